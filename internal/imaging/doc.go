// Package imaging re-encodes generated images under a byte-size budget.
//
// The package performs exactly one transformation: shrink-to-budget with
// format selection. Inputs already within budget pass through as lossless
// PNG. Oversized inputs are downscaled to a maximum working dimension and
// re-encoded, choosing PNG for transparent images and JPEG for opaque ones,
// with a binary search over JPEG quality to keep the highest quality that
// still fits.
//
// # Budget Semantics
//
// The budget is advisory, not a hard cap. When no supported quality can
// reach the budget, the minimum-quality encoding is returned oversized
// rather than failing, so a caller always gets displayable image bytes back.
//
// # Concurrency
//
// All functions are stateless and safe to call concurrently. Buffers are
// request-local; nothing is cached between calls.
package imaging
