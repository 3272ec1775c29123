package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AMDEPYC/cpufreq-limiter/internal/limiter"
)

// governorNameLen matches CPUFREQ_NAME_LEN, which counts the terminator.
const governorNameLen = 16

// tokenize splits input on whitespace and ':'.
func tokenize(input string) []string {
	return strings.FieldsFunc(input, func(r rune) bool {
		return r == ':' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

func parseFrequency(token string) (uint32, error) {
	value, err := strconv.ParseUint(token, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: frequency %q is not an unsigned integer", limiter.ErrInvalidArgument, token)
	}
	return uint32(value), nil
}

func parseCPU(token string, numCPUs uint) (uint, error) {
	cpu, err := strconv.ParseUint(token, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: cpu %q is not an unsigned integer", limiter.ErrInvalidArgument, token)
	}
	if uint(cpu) >= numCPUs {
		return 0, fmt.Errorf("%w: cpu %d out of range [0, %d)", limiter.ErrInvalidArgument, cpu, numCPUs)
	}
	return uint(cpu), nil
}

func parseGovernor(token string) (string, error) {
	if len(token) >= governorNameLen {
		return "", fmt.Errorf("%w: governor name %q longer than %d bytes", limiter.ErrInvalidArgument, token, governorNameLen-1)
	}
	return token, nil
}

func parseSwitch(input string) (bool, error) {
	tokens := tokenize(input)
	if len(tokens) != 1 {
		return false, fmt.Errorf("%w: expected 0 or 1", limiter.ErrInvalidArgument)
	}
	switch tokens[0] {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("%w: expected 0 or 1, got %q", limiter.ErrInvalidArgument, tokens[0])
}

// update is one parsed write: a single value for every cpu when broadcast is
// set, or the value for one cpu otherwise.
type update[T any] struct {
	cpu       uint
	broadcast bool
	value     T
}

// forEachUpdate parses input as either one bare value or a list of cpu:value
// pairs and calls apply for every update in order. Parsing stops at the first
// bad pair; updates before it have already been applied.
func forEachUpdate[T any](input string, numCPUs uint, parseValue func(string) (T, error), apply func(update[T])) error {
	tokens := tokenize(input)

	switch {
	case len(tokens) == 0:
		return fmt.Errorf("%w: empty input", limiter.ErrInvalidArgument)
	case len(tokens) == 1:
		value, err := parseValue(tokens[0])
		if err != nil {
			return err
		}
		apply(update[T]{broadcast: true, value: value})
		return nil
	case len(tokens)%2 != 0:
		return fmt.Errorf("%w: expected cpu:value pairs, got %d tokens", limiter.ErrInvalidArgument, len(tokens))
	}

	for i := 0; i < len(tokens); i += 2 {
		cpu, err := parseCPU(tokens[i], numCPUs)
		if err != nil {
			return err
		}
		value, err := parseValue(tokens[i+1])
		if err != nil {
			return err
		}
		apply(update[T]{cpu: cpu, value: value})
	}
	return nil
}

// parseSingle accepts exactly one value, as written to per-cpu attributes.
func parseSingle[T any](input string, parseValue func(string) (T, error)) (T, error) {
	var zero T
	tokens := tokenize(input)
	if len(tokens) != 1 {
		return zero, fmt.Errorf("%w: expected a single value, got %d tokens", limiter.ErrInvalidArgument, len(tokens))
	}
	return parseValue(tokens[0])
}
