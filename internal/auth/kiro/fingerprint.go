package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
)

const (
	kiroIDEVersion = "0.3.14"
	awsSDKVersion  = "3.731.1"
)

// MachineID derives a stable machine identifier for an account. The seed is
// the profile ARN when known, else the OIDC client id, else a fixed default,
// so the same account always presents the same fingerprint.
func MachineID(profileArn, clientID string) string {
	seed := profileArn
	if seed == "" {
		seed = clientID
	}
	if seed == "" {
		seed = "KIRO_DEFAULT_MACHINE"
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// UserAgent builds the IDE-style user agent string sent on inference calls.
func UserAgent(machineID string) string {
	return fmt.Sprintf("aws-sdk-js/%s ua/2.1 os/%s lang/js md/nodejs api/codewhispererstreaming#%s m/E KiroIDE-%s-%s",
		awsSDKVersion, runtime.GOOS, awsSDKVersion, kiroIDEVersion, machineID)
}

// AmzUserAgent builds the companion x-amz-user-agent header value.
func AmzUserAgent() string {
	return fmt.Sprintf("aws-sdk-js/%s KiroIDE", awsSDKVersion)
}
