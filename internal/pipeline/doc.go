// Package pipeline implements the node's frame processing stages:
//
//	FrameSource -> CaptureStage -> [frame queue] -> InferenceStage
//	            -> [detection queue] -> DecisionStage -> event bus
//
// Each stage runs in its own goroutine until its context is cancelled. Queue
// reads wait at most a bounded interval so cancellation is observed
// promptly; queue writes never block.
//
// The DecisionStage is the only writer of the confirmation gate. Manual
// triggers and server instructions reach it as messages on its inbox, so the
// gate is never mutated from a bus publisher's goroutine.
package pipeline
