// Package transform turns a normalized message into a TransformationResult
// by sending a prompt to an OpenAI-compatible completion endpoint.
//
// The stage never fails on malformed model output. A response that is not
// a JSON object becomes the summary verbatim with default action items,
// priority and tags. Endpoint and network failures surface as
// TransformError, which the pipeline retries.
package transform
