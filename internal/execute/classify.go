package execute

import (
	"regexp"
	"strings"
)

// Class buckets an error by what the engine should do about it.
type Class int

const (
	// ClassOK: no error detected.
	ClassOK Class = iota
	// ClassTolerable: expected noise (already exists, rerun duplicates);
	// treated as success.
	ClassTolerable
	// ClassFatal: connection-level failure; retry on the next endpoint
	// strategy, abort when exhausted.
	ClassFatal
	// ClassUnexpected: anything unclassified; aborts the whole run, since
	// continuing past an unknown error risks partial, inconsistent state.
	ClassUnexpected
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTolerable:
		return "tolerable"
	case ClassFatal:
		return "fatal"
	default:
		return "unexpected"
	}
}

// Rule matches one error pattern. Rules are data, not code: the table below
// is the single place classification behavior lives, and it is evaluated in
// order with first match winning.
type Rule struct {
	Pattern *regexp.Regexp
	Class   Class
	// IncrementalOnly rules apply only when the run is in incremental data
	// mode, where duplicate-key skips are the expected idempotence mechanism.
	IncrementalOnly bool
}

func rule(class Class, pattern string) Rule {
	return Rule{Pattern: regexp.MustCompile(`(?i)` + pattern), Class: class}
}

func incrementalRule(class Class, pattern string) Rule {
	r := rule(class, pattern)
	r.IncrementalOnly = true
	return r
}

// DefaultRules is the ordered classification table. Tool exit codes are not a
// reliable success signal (psql and pg_restore exit non-zero on conditions
// that are expected on rerun), so textual output decides.
var DefaultRules = []Rule{
	// Connection-level failures: worth retrying on another endpoint.
	rule(ClassFatal, `connection refused`),
	rule(ClassFatal, `connection reset by peer`),
	rule(ClassFatal, `could not connect to server`),
	rule(ClassFatal, `could not translate host name`),
	rule(ClassFatal, `no such host`),
	rule(ClassFatal, `password authentication failed`),
	rule(ClassFatal, `tenant or user not found`),
	rule(ClassFatal, `too many connections`),
	rule(ClassFatal, `timeout expired`),
	rule(ClassFatal, `server closed the connection unexpectedly`),
	rule(ClassFatal, `ssl connection has been closed unexpectedly`),

	// Expected when re-applying a plan or loading with create/clean switches.
	rule(ClassTolerable, `already exists`),
	rule(ClassTolerable, `does not exist, skipping`),
	rule(ClassTolerable, `multiple primary keys for table`),
	rule(ClassTolerable, `cannot drop .* because other objects depend on it`),
	incrementalRule(ClassTolerable, `duplicate key value violates unique constraint`),
	incrementalRule(ClassTolerable, `ON CONFLICT DO NOTHING`),
}

// errLine matches output lines that carry an error worth classifying.
var errLine = regexp.MustCompile(`(?i)^(.*\b)?(ERROR|FATAL|PANIC)\s*:`)

// Classification is the outcome of scanning one captured output.
type Classification struct {
	Class Class
	// Line is the first output line that produced the final class.
	Line string
}

// Classify scans tool or driver output and returns the worst classification
// found. Order of severity: unexpected > fatal > tolerable > ok. incremental
// enables the duplicate-key tolerance rules.
func Classify(output string, incremental bool) Classification {
	result := Classification{Class: ClassOK}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !errLine.MatchString(line) {
			continue
		}
		class := classifyLine(line, incremental)
		if class > result.Class {
			result = Classification{Class: class, Line: line}
		}
	}
	return result
}

// ClassifyError classifies a single driver error message. Unlike Classify it
// does not require an ERROR: prefix, since Go driver errors carry none.
func ClassifyError(err error, incremental bool) Classification {
	if err == nil {
		return Classification{Class: ClassOK}
	}
	msg := strings.TrimSpace(err.Error())
	return Classification{Class: classifyLine(msg, incremental), Line: msg}
}

func classifyLine(line string, incremental bool) Class {
	for _, r := range DefaultRules {
		if r.IncrementalOnly && !incremental {
			continue
		}
		if r.Pattern.MatchString(line) {
			return r.Class
		}
	}
	return ClassUnexpected
}
