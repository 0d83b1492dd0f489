package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an event is not legal from the
// record's current status. The record must not be mutated in that case;
// callers decide whether it is a hard error or a silent skip.
var ErrInvalidTransition = errors.New("invalid state transition")

type PostStatus string

const (
	PostPending    PostStatus = "pending"
	PostProcessing PostStatus = "processing"
	PostSent       PostStatus = "sent"
	PostFailed     PostStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s PostStatus) Terminal() bool { return s == PostSent || s == PostFailed }

type PostEvent string

const (
	// PostDispatch claims a pending post for publishing.
	PostDispatch PostEvent = "dispatch"
	// PostSucceed marks a processing post as published.
	PostSucceed PostEvent = "succeed"
	// PostRelease returns a processing post to pending for a later retry.
	PostRelease PostEvent = "release"
	// PostFail marks a processing post as permanently failed.
	PostFail PostEvent = "fail"
)

var postTransitions = map[PostStatus]map[PostEvent]PostStatus{
	PostPending: {
		PostDispatch: PostProcessing,
	},
	PostProcessing: {
		PostSucceed: PostSent,
		PostRelease: PostPending,
		PostFail:    PostFailed,
	},
}

// NextPostStatus computes the status a post moves to on ev. It never
// mutates anything; invalid (status, event) pairs yield ErrInvalidTransition.
func NextPostStatus(cur PostStatus, ev PostEvent) (PostStatus, error) {
	if next, ok := postTransitions[cur][ev]; ok {
		return next, nil
	}
	return cur, fmt.Errorf("%w: post %s --%s-->", ErrInvalidTransition, cur, ev)
}

type GenerationStatus string

const (
	GenPending    GenerationStatus = "pending"
	GenStarted    GenerationStatus = "started"
	GenProcessing GenerationStatus = "processing"
	GenCompleted  GenerationStatus = "completed"
	GenFailed     GenerationStatus = "failed"
)

func (s GenerationStatus) Terminal() bool { return s == GenCompleted || s == GenFailed }

type GenerationEvent string

const (
	// GenStart claims a pending request and begins provider submission.
	GenStart GenerationEvent = "start"
	// GenAck records provider acceptance of the submission.
	GenAck GenerationEvent = "provider_ack"
	// GenComplete finishes a request whose artifact was extracted.
	GenComplete GenerationEvent = "complete"
	// GenFail fails a request from any non-terminal status.
	GenFail GenerationEvent = "fail"
)

var generationTransitions = map[GenerationStatus]map[GenerationEvent]GenerationStatus{
	GenPending: {
		GenStart: GenStarted,
		GenFail:  GenFailed,
	},
	GenStarted: {
		GenAck:  GenProcessing,
		GenFail: GenFailed,
	},
	GenProcessing: {
		GenComplete: GenCompleted,
		GenFail:     GenFailed,
	},
}

// NextGenerationStatus computes the status a generation request moves to
// on ev, mirroring NextPostStatus.
func NextGenerationStatus(cur GenerationStatus, ev GenerationEvent) (GenerationStatus, error) {
	if next, ok := generationTransitions[cur][ev]; ok {
		return next, nil
	}
	return cur, fmt.Errorf("%w: generation %s --%s-->", ErrInvalidTransition, cur, ev)
}
