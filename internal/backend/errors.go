package backend

import "errors"

// errSilentDrop is a sentinel the caller recognizes to suppress any
// response entirely — used for parked requests that expired or whose wait
// was abandoned, where the protocol calls for silence rather than an error
// reply.
var errSilentDrop = errors.New("backend: silent drop")

// errUnauthorized becomes the NIP-46 error result string for denied calls.
var errUnauthorized = errors.New("unauthorized")
