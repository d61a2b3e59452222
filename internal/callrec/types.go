package callrec

import (
	"fmt"
	"strings"
	"time"
)

// RecordingLocator is the denormalized "what to transfer" view joined from the
// call-detail and recording tables. It is recomputed per request, never cached.
type RecordingLocator struct {
	CallDetailID       int64
	ProgramCode        string
	AudioFile          string
	AudioFileLocation  string
	IsSourceCloudAudio bool
	CallDate           time.Time
}

// KeyVaultConfig identifies the vault used to unwrap client-side encrypted
// content keys.
type KeyVaultConfig struct {
	ClientID     string `json:"ClientId"`
	ClientSecret string `json:"ClientSecret"`
	TenantID     string `json:"TenantID"`
	VaultURI     string `json:"VaultURI"`
}

// StorageConfig is the parsed source-store credential document. Sensitive
// fields arrive decrypted from the storage-config row.
type StorageConfig struct {
	Endpoint         string          `json:"Endpoint"`
	AccountName      string          `json:"AccountName"`
	AccountKey       string          `json:"AccountKey"`
	ConnectionString string          `json:"ConnectionString"`
	KeyVault         *KeyVaultConfig `json:"KeyVault"`
}

// Validate enforces the required fields before the config reaches the source
// store client.
func (c *StorageConfig) Validate() error {
	if c.ConnectionString == "" && (c.AccountName == "" || c.AccountKey == "") {
		return fmt.Errorf("storage config: connection string or account name+key required")
	}
	if c.KeyVault != nil {
		kv := c.KeyVault
		if kv.ClientID == "" || kv.ClientSecret == "" || kv.TenantID == "" {
			return fmt.Errorf("storage config: incomplete key vault credentials")
		}
	}
	return nil
}

// StorageRow is one row of the storage-configuration table; Document holds the
// JSON credential payload.
type StorageRow struct {
	ID       int64
	Document string
}

// StatusPayload is the JSON parameter handed to the status stored procedure
// after a terminal transfer outcome.
type StatusPayload struct {
	CallDetailID     int64  `json:"CallDetailID"`
	AudioFile        string `json:"AudioFile"`
	AudioFileLocation string `json:"AudioFileLocation"`
	S3Md5            string `json:"S3Md5"`
	S3SizeBytes      int64  `json:"S3SizeBytes"`
	Status           string `json:"Status"`
	ErrorDescription string `json:"ErrorDescription,omitempty"`
	RequestID        string `json:"RequestId"`
}

// ProcSpec is a stored-procedure selector of the form "name|Reader" or
// "name|Writer". The role picks which resolved connection runs the call.
type ProcSpec struct {
	Name string
	Role string
}

// ParseProcSpec splits a "procedureName|Role" configuration value. A missing
// role defaults to Writer.
func ParseProcSpec(v string) (ProcSpec, error) {
	parts := strings.Split(strings.TrimSpace(v), "|")
	if parts[0] == "" {
		return ProcSpec{}, fmt.Errorf("callrec: empty stored procedure name in %q", v)
	}
	spec := ProcSpec{Name: parts[0], Role: "Writer"}
	if len(parts) > 1 && parts[1] != "" {
		switch parts[1] {
		case "Reader", "Writer":
			spec.Role = parts[1]
		default:
			return ProcSpec{}, fmt.Errorf("callrec: unknown role %q in %q", parts[1], v)
		}
	}
	return spec, nil
}
