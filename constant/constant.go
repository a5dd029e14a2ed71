package constant

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCompleted  JobStatus = "COMPLETED"
)

type AssetStatus string

const (
	AssetStatusUploading  AssetStatus = "UPLOADING"
	AssetStatusProcessing AssetStatus = "PROCESSING"
	AssetStatusReady      AssetStatus = "READY"
	AssetStatusFailed     AssetStatus = "FAILED"
)

type MediaKind string

const (
	MediaKindVideo MediaKind = "video"
	MediaKindImage MediaKind = "image"
	MediaKindAudio MediaKind = "audio"
	MediaKindFile  MediaKind = "file"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaKindVideo, MediaKindImage, MediaKindAudio, MediaKindFile:
		return true
	}
	return false
}

type TranscriptionStatus string

const (
	TranscriptionStatusPending   TranscriptionStatus = "PENDING"
	TranscriptionStatusCompleted TranscriptionStatus = "COMPLETED"
	TranscriptionStatusFailed    TranscriptionStatus = "FAILED"
	TranscriptionStatusSkipped   TranscriptionStatus = "SKIPPED"
)

type EventType string

const (
	EventMediaUploaded   EventType = "media.uploaded"
	EventMediaProcessing EventType = "media.processing"
	EventMediaReady      EventType = "media.ready"
	EventMediaFailed     EventType = "media.failed"
	EventMediaDeleted    EventType = "media.deleted"
)

func (e EventType) Valid() bool {
	switch e {
	case EventMediaUploaded, EventMediaProcessing, EventMediaReady, EventMediaFailed, EventMediaDeleted:
		return true
	}
	return false
}

type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
)

func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionDelete:
		return true
	}
	return false
}

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
