package session

import (
	"errors"

	"github.com/JakeFAU/open-website-status/internal/captcha"
	"github.com/JakeFAU/open-website-status/internal/dispatcher"
	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/protocol"
	"github.com/JakeFAU/open-website-status/internal/registry"
)

// Acknowledgement error strings. Clients match on these.
const (
	ackSchemaMismatch     = "Request does not match schema"
	ackJobNotFound        = "Job not found"
	ackWrongOwner         = "Job assigned to a different provider"
	ackInvalidTransition  = "Invalid job state transition"
	ackInvalidToken       = "Invalid token"
	ackAlreadyInitialized = "This provider has already been initialized"
	ackCaptchaFailed      = "Captcha verification failed"
	ackMissingSecret      = "Captcha secret not configured"
	ackQueryNotFound      = "Query not found"
)

var ackErrors = []struct {
	err error
	msg string
}{
	{protocol.ErrSchemaMismatch, ackSchemaMismatch},
	{job.ErrMissingResult, ackSchemaMismatch},
	{dispatcher.ErrJobNotFound, ackJobNotFound},
	{dispatcher.ErrWrongOwner, ackWrongOwner},
	{job.ErrInvalidTransition, ackInvalidTransition},
	{dispatcher.ErrInvalidToken, ackInvalidToken},
	{registry.ErrInvalidToken, ackInvalidToken},
	{registry.ErrDuplicateConnection, ackAlreadyInitialized},
	{dispatcher.ErrCaptchaFailed, ackCaptchaFailed},
	{captcha.ErrMissingSecret, ackMissingSecret},
	{dispatcher.ErrQueryNotFound, ackQueryNotFound},
}

// ackMessage maps err to the text sent back to the client. Errors outside
// the known set collapse to fallback so internals never leak.
func ackMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	for _, e := range ackErrors {
		if errors.Is(err, e.err) {
			return e.msg
		}
	}
	return fallback
}
