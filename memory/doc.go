// Package memory provides the semantic memory subsystem of the narrator:
// durable vector-embedded recollections of past game events, recalled by
// similarity so the model can weave earlier events into new narration.
//
// Architecture:
//   - Store: append-only vector table (chromem-go embedded DB for local use)
//   - Embedder: text-to-vector conversion (ONNX locally, OpenAI API, mock)
//   - Service: domain API - Remember, Recall, RecallAll, ForgetAll - owning
//     the distance-to-similarity conversion and threshold filtering
//
// Integration:
//   - the engine resolves the model's search_memory tool calls via Recall
//   - the narrator persists salient turn events via Remember, gated on the
//     importance score the model assigns
//
// The store is append-mostly and shared by all in-flight turns of a process.
// ForgetAll racing an in-flight Recall or Remember is a known hazard of the
// base design; callers that need that safety must serialize externally.
package memory
