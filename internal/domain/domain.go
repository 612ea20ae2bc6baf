package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ProjectType selects how a project's frames are labeled.
type ProjectType string

const (
	ProjectDetection      ProjectType = "detection"
	ProjectClassification ProjectType = "classification"
)

// ParseProjectType normalizes and validates a project type string.
func ParseProjectType(v string) (ProjectType, error) {
	switch t := ProjectType(strings.ToLower(strings.TrimSpace(v))); t {
	case ProjectDetection, ProjectClassification:
		return t, nil
	case "":
		return ProjectDetection, nil
	default:
		return "", fmt.Errorf("%w: unknown project type %q", ErrValidation, v)
	}
}

// TaskState is the lease lifecycle of a task.
type TaskState string

const (
	TaskAvailable TaskState = "available"
	TaskLeased    TaskState = "leased"
	TaskCommitted TaskState = "committed"
)

// ParseTaskState validates a state filter value.
func ParseTaskState(v string) (TaskState, error) {
	switch s := TaskState(strings.ToLower(strings.TrimSpace(v))); s {
	case TaskAvailable, TaskLeased, TaskCommitted:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown task state %q", ErrValidation, v)
	}
}

type Project struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	Type       ProjectType `json:"type"`
	Categories []string    `json:"categories"`
	CreatedAt  time.Time   `json:"created_at"`
}

// HasCategory reports whether label is one of the project's categories.
func (p Project) HasCategory(label string) bool {
	for _, c := range p.Categories {
		if c == label {
			return true
		}
	}
	return false
}

// MediaDescriptor is what a media producer hands to IngestMedia.
type MediaDescriptor struct {
	Path        string `json:"path"`
	SourceVideo string `json:"source_video,omitempty"`
	FrameIndex  *int   `json:"frame_index,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

type MediaAsset struct {
	ID          int64     `json:"id"`
	ProjectID   int64     `json:"project_id"`
	Path        string    `json:"path"`
	SourceVideo string    `json:"source_video,omitempty"`
	FrameIndex  *int      `json:"frame_index,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is one media asset to be annotated. LeaseHolder and LeaseExpiresAt are
// set exactly when State is TaskLeased; Annotations is non-nil exactly when
// State is TaskCommitted.
type Task struct {
	ID             int64        `json:"id"`
	ProjectID      int64        `json:"project_id"`
	MediaID        int64        `json:"media_id"`
	State          TaskState    `json:"state"`
	LeaseHolder    *string      `json:"lease_holder,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	LeaseSessionID *string      `json:"lease_session_id,omitempty"`
	Annotations    []Annotation `json:"annotations,omitempty"`
	CommittedAt    *time.Time   `json:"committed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// HeldBy reports whether userID holds a lease on the task that is still valid at now.
func (t Task) HeldBy(userID string, now time.Time) bool {
	return t.State == TaskLeased && t.LeaseHolder != nil && *t.LeaseHolder == userID &&
		t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Validate checks that coordinates are finite and ordered.
func (b Box) Validate() error {
	for _, v := range []float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: box (%g,%g,%g,%g) has a non-finite coordinate", ErrValidation, b.X1, b.Y1, b.X2, b.Y2)
		}
	}
	if !(b.X1 < b.X2) || !(b.Y1 < b.Y2) {
		return fmt.Errorf("%w: box (%g,%g,%g,%g) must satisfy x1<x2 and y1<y2", ErrValidation, b.X1, b.Y1, b.X2, b.Y2)
	}
	return nil
}

func (b Box) Width() float64  { return b.X2 - b.X1 }
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

type Annotation struct {
	ID        int64     `json:"id,omitempty"`
	TaskID    int64     `json:"task_id,omitempty"`
	Category  string    `json:"category"`
	Box       Box       `json:"box"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// LeaseOutcome records how a lease ended.
type LeaseOutcome string

const (
	LeaseCommitted    LeaseOutcome = "committed"
	LeaseAbandoned    LeaseOutcome = "abandoned"
	LeaseExpired      LeaseOutcome = "expired"
	LeaseReclaimed    LeaseOutcome = "reclaimed"
	LeaseSessionEnded LeaseOutcome = "session_ended"
)

// Lapsed reports whether the holder lost the lease without acting on it.
func (o LeaseOutcome) Lapsed() bool {
	return o == LeaseExpired || o == LeaseReclaimed || o == LeaseSessionEnded
}

// LeaseRecord is one entry of a task's lease history.
type LeaseRecord struct {
	ID         int64         `json:"id"`
	TaskID     int64         `json:"task_id"`
	Holder     string        `json:"holder"`
	SessionID  *string       `json:"session_id,omitempty"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Outcome    *LeaseOutcome `json:"outcome,omitempty"`
}

// Session is a persisted record of one annotator working context. A lease
// obtained through a session is released by recovery once the session ends.
type Session struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	InstanceID string     `json:"instance_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Progress summarizes a project's task states and per-annotator output.
type Progress struct {
	ProjectID       int64             `json:"project_id"`
	Total           int               `json:"total"`
	ByState         map[TaskState]int `json:"by_state"`
	CommittedByUser map[string]int    `json:"committed_by_user"`
	Annotations     int               `json:"annotations"`
}

// CleanupReport describes one recovery sweep.
type CleanupReport struct {
	Scanned  int     `json:"scanned"`
	Released []int64 `json:"released"`
	Skipped  int     `json:"skipped"`
}
