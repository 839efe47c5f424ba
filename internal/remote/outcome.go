package remote

import (
	"fmt"
)

// FailureKind classifies why a synthesis did not produce audio.
type FailureKind string

const (
	KindNetwork   FailureKind = "network"
	KindAPI       FailureKind = "api"
	KindDownload  FailureKind = "download"
	KindCancelled FailureKind = "cancelled"
)

// Outcome is the result of one Synthesize call: either Audio or *Failure.
type Outcome interface {
	isOutcome()
}

// Audio points at a rendered file in the scratch directory. The receiver owns
// the file and must remove it.
type Audio struct {
	Path string
}

func (Audio) isOutcome() {}

// Failure describes a synthesis that produced no audio.
type Failure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (*Failure) isOutcome() {}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("remote %s failure: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("remote %s failure: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func failure(kind FailureKind, reason string, err error) *Failure {
	return &Failure{Kind: kind, Reason: reason, Err: err}
}
