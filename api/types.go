package api

import "github.com/Lucasrsv1/structures-manager/processor"

// RegisterRequest is the body of POST /processors/register.
type RegisterRequest struct {
	QtyCPUs int `json:"qtyCPUs"`
}

// RegisterResponse is the successful registration payload.
type RegisterResponse struct {
	ID             string         `json:"id"`
	Token          string         `json:"token"`
	ProcessingMode processor.Mode `json:"processingMode"`
}

// SuccessResponse is a bare success acknowledgement.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// NextResponse carries a claimed batch and the processor's current mode.
type NextResponse struct {
	Filenames      []string       `json:"filenames"`
	ProcessingMode processor.Mode `json:"processingMode"`
}

// PingRequest is the body of PATCH /structures/ping.
type PingRequest struct {
	Filenames []string `json:"filenames"`
}

// PingResponse reports which pinged filenames were refused.
type PingResponse struct {
	Success         bool           `json:"success"`
	FilesNotAllowed []string       `json:"filesNotAllowed"`
	ProcessingMode  processor.Mode `json:"processingMode"`
}

// ResultRequest is the body of POST /structures/result.
type ResultRequest struct {
	Filename string `json:"filename"`
	// Result is the computed minimum distance for the structure.
	Result float64 `json:"result"`
	// ProcessingTime is the processor-reported computation time in
	// milliseconds.
	ProcessingTime int64 `json:"processingTime"`
}

// ResultResponse is the successful result-submission payload.
type ResultResponse struct {
	Success          bool           `json:"success"`
	IsNewMinDistance bool           `json:"isNewMinDistance"`
	ProcessingMode   processor.Mode `json:"processingMode"`
}

// ErrorResponse is the body of every non-2xx response. Expired is true only
// when the presented token failed verification because its signature expired,
// telling the client to re-register rather than retry. FilesNotAllowed names
// the refused filenames when a ping is rejected outright.
type ErrorResponse struct {
	Message         string   `json:"message"`
	Expired         bool     `json:"expired"`
	FilesNotAllowed []string `json:"filesNotAllowed,omitempty"`
}
