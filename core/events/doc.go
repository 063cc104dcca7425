// Package events defines the typed events a voice pipeline emits for its
// session.
//
// Event kinds are grouped by receiver-facing namespaces:
//
//   - user_input.*
//   - assistant_response.*
//   - assistant_speech.*
//   - turn_state.*
//
// Semantics used across the package:
//
//   - Interim: mutable point-in-time snapshot that can change over time.
//   - Final: terminal immutable text for the current utterance or turn.
//   - Segment: append-only text piece emitted in stream order.
//   - Frame: binary audio chunk payload.
//
// user_input events
//
//   - UserTranscriptInterim (user_input.transcript_interim): growing
//     transcript of the utterance in progress.
//   - UserTranscriptFinal (user_input.transcript_final): terminal transcript
//     for the utterance.
//
// assistant_response events
//
//   - AssistantResponseSegment (assistant_response.segment): streamed reply
//     text delta.
//
// assistant_speech events
//
//   - AssistantSpeechFrame (assistant_speech.frame): synthesized audio chunk.
//     Frames arrive in sentence order and in production order within a
//     sentence.
//
// turn_state events
//
//   - TurnCompleted (turn_state.completed): the reply was generated, spoken
//     and logged.
//   - StageFailed (turn_state.stage_failed): a pipeline stage failed; Fatal
//     reports whether the session pipeline stopped because of it.
package events
