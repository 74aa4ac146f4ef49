package lexer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds the wall-clock time a single condition string may be
// scanned for.
const DefaultTimeout = 30 * time.Second

// DefaultChannelCapacity bounds the item channel's buffer.
const DefaultChannelCapacity = 1000

// ErrTimeout is returned when scanning exceeds its deadline.
var ErrTimeout = fmt.Errorf("lexer: scan timeout exceeded")

// ErrChannelClosed is returned when an item cannot be delivered because the
// receiver has gone away.
var ErrChannelClosed = fmt.Errorf("lexer: item channel closed")

// ErrPositionOverflow is returned if internal position arithmetic would
// overflow (checked addition).
var ErrPositionOverflow = fmt.Errorf("lexer: position arithmetic overflow")

type state int

const (
	stateCondition state = iota
	stateOneOf
	stateAllOf
	stateAccumulateBeforeWhitespace
	stateWhitespace
	statePipe
	stateAggregation
	stateRparWithTokens
	stateEOF
)

// Lexer scans a Sigma condition string into an Item stream.
type Lexer struct {
	input   string
	timeout time.Duration
	capacity int
}

// New creates a Lexer over a condition string with default timeout/capacity.
func New(input string) *Lexer {
	return &Lexer{input: input, timeout: DefaultTimeout, capacity: DefaultChannelCapacity}
}

// WithTimeout overrides the scan deadline.
func (l *Lexer) WithTimeout(d time.Duration) *Lexer {
	l.timeout = d
	return l
}

// Scan runs the lexer and returns a channel of Items terminated by LitEof
// (or an error sent in-band as a TokError item followed by channel close).
// The returned channel is closed when scanning completes or fails.
func (l *Lexer) Scan(ctx context.Context) <-chan Item {
	out := make(chan Item, l.capacity)
	go l.run(ctx, out)
	return out
}

type scanState struct {
	input   string
	pos     int
	start   int
	out     chan<- Item
	deadline time.Time
}

func (l *Lexer) run(ctx context.Context, out chan<- Item) {
	defer close(out)

	s := &scanState{input: l.input, out: out, deadline: time.Now().Add(l.timeout)}
	st := stateCondition

	for st != stateEOF {
		if time.Now().After(s.deadline) {
			s.emit(ctx, Item{Token: TokError, Value: ErrTimeout.Error()})
			return
		}
		select {
		case <-ctx.Done():
			s.emit(ctx, Item{Token: TokError, Value: ctx.Err().Error()})
			return
		default:
		}

		next, err := s.step(ctx, st)
		if err != nil {
			s.emit(ctx, Item{Token: TokError, Value: err.Error()})
			return
		}
		st = next
	}
}

// emit sends an item, respecting cancellation; a blocked send past context
// cancellation is treated as ErrChannelClosed, logged and dropped.
func (s *scanState) emit(ctx context.Context, item Item) error {
	select {
	case s.out <- item:
		return nil
	case <-ctx.Done():
		log.Debug().Msg("lexer: channel send aborted by cancellation")
		return ErrChannelClosed
	}
}

func checkedAdd(a, b int) (int, error) {
	if b > 0 && a > math.MaxInt-b {
		return 0, ErrPositionOverflow
	}
	return a + b, nil
}

func (s *scanState) rest() string {
	return s.input[s.pos:]
}

func (s *scanState) step(ctx context.Context, st state) (state, error) {
	switch st {
	case stateCondition:
		return s.stepCondition(ctx)
	case stateAccumulateBeforeWhitespace:
		return s.stepAccumulate(ctx)
	case stateWhitespace:
		return s.stepWhitespace(ctx)
	case statePipe:
		if err := s.emit(ctx, Item{Token: TokUnsupported, Value: "aggregation grammar past '|' is unsupported"}); err != nil {
			return stateEOF, err
		}
		return stateEOF, nil
	case stateRparWithTokens:
		return s.stepRpar(ctx)
	default:
		return stateEOF, nil
	}
}

func (s *scanState) stepCondition(ctx context.Context) (state, error) {
	rest := s.rest()

	if rest == "" {
		if err := s.emit(ctx, Item{Token: TokLitEof}); err != nil {
			return stateEOF, err
		}
		return stateEOF, nil
	}

	lowered := strings.ToLower(rest)
	switch {
	case strings.HasPrefix(lowered, "1 of"):
		if err := s.emit(ctx, Item{Token: TokStmtOneOf, Value: "1 of"}); err != nil {
			return stateEOF, err
		}
		pos, err := checkedAdd(s.pos, len("1 of"))
		if err != nil {
			return stateEOF, err
		}
		s.pos = pos
		return stateCondition, nil
	case strings.HasPrefix(lowered, "all of"):
		if err := s.emit(ctx, Item{Token: TokStmtAllOf, Value: "all of"}); err != nil {
			return stateEOF, err
		}
		pos, err := checkedAdd(s.pos, len("all of"))
		if err != nil {
			return stateEOF, err
		}
		s.pos = pos
		return stateCondition, nil
	}

	switch rest[0] {
	case '(':
		if err := s.emit(ctx, Item{Token: TokSepLpar, Value: "("}); err != nil {
			return stateEOF, err
		}
		s.pos++
		return stateCondition, nil
	case ')':
		return stateRparWithTokens, nil
	case '|':
		s.pos++
		return statePipe, nil
	case ' ', '\t', '\n', '\r':
		return stateWhitespace, nil
	default:
		s.start = s.pos
		return stateAccumulateBeforeWhitespace, nil
	}
}

// stepAccumulate collects a lexeme up to the next whitespace/separator and
// classifies it with checkKeyword.
func (s *scanState) stepAccumulate(ctx context.Context) (state, error) {
	i := s.pos
	for i < len(s.input) {
		switch s.input[i] {
		case ' ', '\t', '\n', '\r', '(', ')', '|':
			goto done
		}
		i++
	}
done:
	lexeme := s.input[s.start:i]
	s.pos = i
	s.start = s.pos
	tok := checkKeyword(lexeme)
	if tok == TokNil {
		return stateCondition, nil
	}
	if err := s.emit(ctx, Item{Token: tok, Value: lexeme}); err != nil {
		return stateEOF, err
	}
	return stateWhitespace, nil
}

func (s *scanState) stepWhitespace(ctx context.Context) (state, error) {
	for s.pos < len(s.input) {
		switch s.input[s.pos] {
		case ' ', '\t', '\n', '\r':
			s.pos++
			continue
		}
		break
	}
	return stateCondition, nil
}

// stepRpar emits the closing paren. Any identifier immediately preceding it
// has already been flushed by stepAccumulate, which advances s.start to
// s.pos on emit, so there is nothing left to re-flush here.
func (s *scanState) stepRpar(ctx context.Context) (state, error) {
	if err := s.emit(ctx, Item{Token: TokSepRpar, Value: ")"}); err != nil {
		return stateEOF, err
	}
	s.pos++
	s.start = s.pos
	return stateCondition, nil
}

// checkKeyword classifies a collected lexeme per spec §4.2.
func checkKeyword(lexeme string) Token {
	if lexeme == "" {
		return TokNil
	}
	switch strings.ToLower(lexeme) {
	case "and":
		return TokKeywordAnd
	case "or":
		return TokKeywordOr
	case "not":
		return TokKeywordNot
	case "them":
		return TokIdentifierAll
	case "sum", "min", "max", "count", "avg":
		return TokKeywordAgg
	}
	if strings.ContainsAny(lexeme, "*?") {
		return TokIdentifierWithWildcard
	}
	return TokIdentifier
}
