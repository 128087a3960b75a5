// Package errors provides user-facing error types for the CLI surface.
//
// Protocol-level failures (precondition violations, verification timeouts,
// rollback failures) are typed in pkg/rotate; the types here exist to give
// invocation and configuration mistakes a consistent, helpful rendering.
package errors

import (
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with
// helpful context.
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// StoreError enhances credential-store errors with provider-specific hints.
func StoreError(storeType string, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s store error during %s", storeType, operation),
		Suggestion: storeSuggestion(storeType, err),
		Err:        err,
	}
}

// storeSuggestion returns a remediation hint based on store type and error text.
func storeSuggestion(storeType string, err error) string {
	errStr := err.Error()

	switch storeType {
	case "aws-iam":
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for iam:ListAccessKeys, iam:CreateAccessKey, iam:UpdateAccessKey, iam:DeleteAccessKey"
		}
		if strings.Contains(errStr, "LimitExceeded") {
			return "The user already holds the maximum of 2 access keys. Delete an unused key first"
		}
		if strings.Contains(errStr, "NoSuchEntity") {
			return "Verify the IAM user name in keyturn.yaml"
		}

	case "gcp-serviceaccount":
		if strings.Contains(errStr, "403") || strings.Contains(errStr, "PERMISSION_DENIED") {
			return "Grant roles/iam.serviceAccountKeyAdmin on the service account to the admin credentials"
		}
		if strings.Contains(errStr, "404") {
			return "Verify the service account email in keyturn.yaml"
		}

	case "ssh-authorized-keys":
		if strings.Contains(errStr, "unable to authenticate") {
			return "Check the admin_key_file and that the login accepts it"
		}
		if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
			return "Check the host address and that sshd is reachable"
		}
	}

	if strings.Contains(errStr, "timeout") {
		return "The operation timed out. Check your network connection and try again"
	}

	return ""
}
