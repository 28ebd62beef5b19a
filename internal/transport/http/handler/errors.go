package handler

const (
	errInternalServer = "Internal server error"
	errJobNotFound    = "Job not found"
)
