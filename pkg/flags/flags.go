package flags

// Runtime holds process-level flags resolved from the environment at startup:
// where to load rules from, and whether the HTTP surface should be enabled.
type Runtime struct {
	RuleSource   string // "local", "s3", "ssm", or "secretsmanager"
	RuleLocation string // path, bucket/key, parameter name, or secret id
	HTTPAddr     string // empty disables the HTTP surface
	APIKey       string // SIGMA_API_KEY; empty disables auth
}
