package settlement

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// Strategy parses one operator's return file layout. Decoder reports the
// file's character encoding; a nil decoder means the file is already UTF-8.
type Strategy interface {
	Operator() string
	Decoder() *encoding.Decoder
	ParseHeader(line string) (*FileHeader, error)
	ParseLine(lineNumber int, line string) (*ReturnRecord, *LineError)
}

// Registry holds the known operator strategies and drives the shared
// line-by-line parse loop.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds a registry from the given strategies. Later entries
// with the same operator identifier win.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Operator()] = s
	}
	return r
}

// DefaultRegistry returns a registry with every built-in operator strategy.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewVitalCareStrategy(),
		NewMedPrevStrategy(),
		NewSaudeCoopStrategy(),
	)
}

// Operators lists the registered operator identifiers, sorted.
func (r *Registry) Operators() []string {
	ops := make([]string, 0, len(r.strategies))
	for op := range r.strategies {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Parse streams a return file through the operator's strategy. The reader is
// consumed exactly once and never buffered whole. Unknown operators fail
// before any bytes are read. A malformed header is fatal; malformed detail
// lines are collected as LineErrors and the stream continues.
func (r *Registry) Parse(ctx context.Context, operator string, file io.Reader) (*ParseResult, error) {
	strategy, ok := r.strategies[operator]
	if !ok {
		return nil, &UnsupportedOperatorError{Operator: operator}
	}

	if dec := strategy.Decoder(); dec != nil {
		file = transform.NewReader(file, dec)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	result := &ParseResult{}
	lineNumber := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNumber++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if result.Header == nil {
			header, err := strategy.ParseHeader(line)
			if err != nil {
				return nil, &HeaderError{Operator: operator, RawLine: line, Reason: err.Error()}
			}
			result.Header = header
			continue
		}

		record, lineErr := strategy.ParseLine(lineNumber, line)
		if lineErr != nil {
			result.LineErrors = append(result.LineErrors, lineErr)
			continue
		}
		result.Records = append(result.Records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading return file for operator %s: %w", operator, err)
	}
	if result.Header == nil {
		return nil, &HeaderError{Operator: operator, Reason: "file is empty"}
	}
	return result, nil
}
