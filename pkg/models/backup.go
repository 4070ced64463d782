package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupMethod identifies which execution strategy a configuration uses.
type BackupMethod string

const (
	// MethodArchive builds a tar.gz archive and uploads it in one piece.
	MethodArchive BackupMethod = "archive"
	// MethodRsync mirrors sources into a local staging directory, optionally
	// followed by an object-storage upload.
	MethodRsync BackupMethod = "rsync"
	// MethodRclone syncs sources to a cloud remote, directly or via a
	// date-stamped local snapshot.
	MethodRclone BackupMethod = "rclone"
)

// Source is a filesystem path with optional include/exclude glob patterns.
type Source struct {
	Path    string   `json:"path"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Schedule holds a cron expression and the timezone it is evaluated in.
type Schedule struct {
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone,omitempty"`
}

// CloudCredentials are temporary object-storage credentials handed down by
// the server for a single execution cycle. They are held in memory only and
// must never be written to disk or logged beyond the expiry timestamp.
type CloudCredentials struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token,omitempty"`
	Expiry          time.Time `json:"expiry"`
	Bucket          string    `json:"bucket"`
	Region          string    `json:"region"`
}

// ArchiveOptions configures the archive strategy.
type ArchiveOptions struct {
	// CompressionLevel is the gzip level, 1 (fastest) to 9 (smallest).
	// Zero means the default level of 6.
	CompressionLevel int `json:"compression_level,omitempty"`
}

// RsyncOptions configures the rsync strategy.
type RsyncOptions struct {
	// StagingDir is the local staging directory. It must be unique per
	// configuration; the server validates uniqueness before dispatch.
	StagingDir string `json:"staging_dir"`
	// Delete mirrors deletions into the staging directory (--delete).
	Delete bool `json:"delete,omitempty"`
	// Upload enables pushing the staging directory to object storage.
	Upload bool `json:"upload,omitempty"`
	// UploadTool selects the upload backend: "awscli" or "rclone".
	UploadTool string `json:"upload_tool,omitempty"`
	// StorageClass is passed through to the upload tool.
	StorageClass string `json:"storage_class,omitempty"`
	// Destination is the object-storage target (bucket/prefix) for uploads.
	Destination string `json:"destination,omitempty"`
}

// RcloneRemoteType identifies the cloud backend for the rclone strategy.
type RcloneRemoteType string

const (
	RcloneRemoteS3     RcloneRemoteType = "s3"
	RcloneRemoteWasabi RcloneRemoteType = "wasabi"
	RcloneRemoteB2     RcloneRemoteType = "b2"
	RcloneRemoteGCS    RcloneRemoteType = "gcs"
	RcloneRemoteAzure  RcloneRemoteType = "azure"
)

// RcloneOptions configures the rclone strategy.
type RcloneOptions struct {
	RemoteType RcloneRemoteType `json:"remote_type"`
	// RemotePath is the destination within the remote (bucket/prefix).
	RemotePath string `json:"remote_path"`
	// TwoPhase syncs to a date-stamped local directory first, then forwards
	// that snapshot to the remote.
	TwoPhase bool `json:"two_phase,omitempty"`
	// LocalDir is the base directory for two-phase local snapshots.
	LocalDir string `json:"local_dir,omitempty"`
	// SkipRemote disables the remote phase of a two-phase backup.
	SkipRemote bool `json:"skip_remote,omitempty"`
	// KeepLocal is how many local snapshots to retain; zero keeps all.
	KeepLocal int `json:"keep_local,omitempty"`
	// SkipChecksum disables checksum verification. Ignored for remote
	// syncs, where verification is always on.
	SkipChecksum bool `json:"skip_checksum,omitempty"`
	// BandwidthLimit is an rclone bandwidth limit string such as "10M".
	BandwidthLimit string `json:"bandwidth_limit,omitempty"`
	// StorageClass is a storage-class hint for the remote.
	StorageClass string `json:"storage_class,omitempty"`
}

// BackupConfig is a read-only snapshot of one backup configuration for the
// duration of a single execution. The server owns and mutates the durable
// record; the agent discards this copy at the end of the cycle.
type BackupConfig struct {
	ID       uuid.UUID    `json:"id"`
	Name     string       `json:"name"`
	Method   BackupMethod `json:"method"`
	Sources  []Source     `json:"sources"`
	Schedule *Schedule    `json:"schedule,omitempty"`

	Archive *ArchiveOptions `json:"archive,omitempty"`
	Rsync   *RsyncOptions   `json:"rsync,omitempty"`
	Rclone  *RcloneOptions  `json:"rclone,omitempty"`

	// Credentials are per-cycle temporary cloud credentials, if the server
	// issued any for this configuration.
	Credentials *CloudCredentials `json:"credentials,omitempty"`

	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
}

// ErrorCategory is the closed taxonomy of classified failures.
type ErrorCategory string

const (
	ErrorMissingDependency ErrorCategory = "missing-dependency"
	ErrorFilesystem        ErrorCategory = "filesystem"
	ErrorNetwork           ErrorCategory = "network"
	ErrorAuthentication    ErrorCategory = "authentication"
	ErrorNotFound          ErrorCategory = "notfound"
	ErrorSize              ErrorCategory = "size"
	ErrorServer            ErrorCategory = "server"
	ErrorUnknown           ErrorCategory = "unknown"
)

// ErrorClassification maps a raw failure to the fixed taxonomy.
type ErrorClassification struct {
	Category    ErrorCategory `json:"category"`
	UserMessage string        `json:"user_message"`
	Retriable   bool          `json:"retriable"`
}

// ExecutionResult is the outcome of running one configuration through one
// strategy. It is reported to the server and then discarded.
type ExecutionResult struct {
	ConfigID         uuid.UUID            `json:"config_id"`
	Success          bool                 `json:"success"`
	BytesTransferred int64                `json:"bytes_transferred"`
	FilesTransferred int                  `json:"files_transferred"`
	Duration         time.Duration        `json:"duration"`
	Error            *ErrorClassification `json:"error,omitempty"`
}

// ProgressStage labels the execution phase of a running backup. Stages form
// a strict sequence per strategy.
type ProgressStage string

const (
	StagePreparing  ProgressStage = "preparing"
	StageArchiving  ProgressStage = "archiving"
	StageRsync      ProgressStage = "rsync"
	StageSyncing    ProgressStage = "syncing"
	StageLocalSync  ProgressStage = "local-sync"
	StageRemoteSync ProgressStage = "remote-sync"
	StageUploading  ProgressStage = "uploading"
	StageCompleting ProgressStage = "completing"
)

// ProgressEvent is a transient, fire-and-forget progress update. It is never
// persisted by the agent.
type ProgressEvent struct {
	ConfigID       uuid.UUID     `json:"config_id"`
	Stage          ProgressStage `json:"stage"`
	FilesProcessed int           `json:"files_processed"`
	BytesProcessed int64         `json:"bytes_processed"`
	TotalBytes     int64         `json:"total_bytes,omitempty"`
	CurrentFile    string        `json:"current_file,omitempty"`
}
