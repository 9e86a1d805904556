package bus

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Default stream layout. Worker families each own one subject under the
// request prefix; all workers answer on the single results subject.
const (
	DefaultStreamName     = "TOOLCALLS"
	DefaultSubjectPrefix  = "tool"
	DefaultResultsSubject = "tool.results"
	DefaultMaxMsgs        = 10000
)

// resultsFamily is reserved: requests may not be addressed to it.
const resultsFamily = "results"

// familyPattern validates worker family names: lowercase alphanumeric with
// hyphens, no subject separators.
var familyPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateFamily checks that a worker family name is safe for use as a
// subject token.
func ValidateFamily(family string) error {
	if family == "" {
		return fmt.Errorf("family is required")
	}
	if family == resultsFamily {
		return fmt.Errorf("family %q is reserved for responses", family)
	}
	if !familyPattern.MatchString(family) {
		return fmt.Errorf("invalid family %q: must be lowercase alphanumeric with hyphens", family)
	}
	return nil
}

// StreamConfig describes the bounded request/response stream.
type StreamConfig struct {
	// Name is the JetStream stream name.
	Name string
	// SubjectPrefix is the first subject token for all call traffic.
	SubjectPrefix string
	// ResultsSubject is the shared broadcast subject for worker responses.
	ResultsSubject string
	// MaxMsgs bounds the stream; oldest entries are discarded beyond it.
	MaxMsgs int64
}

// DefaultStreamConfig returns the standard stream layout.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:           DefaultStreamName,
		SubjectPrefix:  DefaultSubjectPrefix,
		ResultsSubject: DefaultResultsSubject,
		MaxMsgs:        DefaultMaxMsgs,
	}
}

// subjectFor returns the request subject for a worker family.
func (c StreamConfig) subjectFor(family string) string {
	return c.SubjectPrefix + "." + family
}

// EnsureStream creates or updates the bounded call stream. Trimming uses
// the discard-old policy so family subjects cannot grow without bound.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if cfg.MaxMsgs <= 0 {
		cfg.MaxMsgs = DefaultMaxMsgs
	}

	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ensureCtx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		MaxMsgs:   cfg.MaxMsgs,
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}
