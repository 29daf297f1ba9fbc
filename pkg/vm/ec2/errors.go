package ec2

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Sentinel errors for EC2 operations.
var (
	// ErrNotFound indicates the instance or key pair does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrCapacity indicates no spot capacity was available.
	ErrCapacity = errors.New("insufficient capacity")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrNoPublicAddress indicates the instance has no public IPv4 address.
	ErrNoPublicAddress = errors.New("instance has no public ip address")
)

// ProvisionError wraps EC2 and SSH failures with the resources involved.
type ProvisionError struct {
	Op         string
	InstanceID string
	KeyName    string
	Err        error
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	var b strings.Builder
	b.WriteString("ec2 ")
	b.WriteString(e.Op)
	if e.InstanceID != "" {
		b.WriteString(" ")
		b.WriteString(e.InstanceID)
	}
	if e.KeyName != "" {
		fmt.Fprintf(&b, " (key %s)", shortKeyName(e.KeyName))
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func shortKeyName(name string) string {
	if len(name) <= 20 {
		return name
	}
	return name[:20] + "..."
}

// classify maps AWS API error codes onto sentinel errors while keeping the
// original error in the chain.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var sentinel error
	switch code := apiErr.ErrorCode(); {
	case strings.HasSuffix(code, ".NotFound"):
		sentinel = ErrNotFound
	case code == "UnauthorizedOperation", code == "AccessDenied":
		sentinel = ErrAccessDenied
	case code == "AuthFailure", code == "InvalidClientTokenId", code == "SignatureDoesNotMatch":
		sentinel = ErrInvalidCredentials
	case code == "InsufficientInstanceCapacity", code == "SpotMaxPriceTooLow",
		code == "MaxSpotInstanceCountExceeded", code == "InstanceLimitExceeded":
		sentinel = ErrCapacity
	case code == "RequestLimitExceeded", code == "Throttling":
		sentinel = ErrThrottled
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func (p *Provider) wrapError(op, instanceID, keyName string, err error) error {
	return &ProvisionError{Op: op, InstanceID: instanceID, KeyName: keyName, Err: classify(err)}
}

// IsNotFound returns true if the error indicates a missing instance or key pair.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
