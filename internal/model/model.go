package model

import (
	"image"
	"time"
)

// Angle is one of the canonical enrollment poses.
type Angle string

const (
	AngleFront Angle = "front"
	AngleLeft  Angle = "left"
	AngleRight Angle = "right"
)

// Angles lists the poses captured at enrollment, front first.
var Angles = []Angle{AngleFront, AngleLeft, AngleRight}

// Valid reports whether a is a known angle.
func (a Angle) Valid() bool {
	switch a {
	case AngleFront, AngleLeft, AngleRight:
		return true
	}
	return false
}

// Identity is an enrolled student.
type Identity struct {
	Key       string    `json:"student_id" db:"identity_key"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	Email     string    `json:"email" db:"email"`
	Cohort    string    `json:"cohort" db:"cohort"`
	Active    bool      `json:"active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// FullName joins first and last name.
func (i Identity) FullName() string {
	switch {
	case i.FirstName == "":
		return i.LastName
	case i.LastName == "":
		return i.FirstName
	}
	return i.FirstName + " " + i.LastName
}

// EnrollmentRecord holds one angle embedding of an identity.
type EnrollmentRecord struct {
	ID          string    `json:"id"`
	IdentityKey string    `json:"student_id"`
	Angle       Angle     `json:"angle"`
	Embedding   []float32 `json:"-"`
	ImageRef    string    `json:"image_url,omitempty"`
	Active      bool      `json:"active"`
	CapturedAt  time.Time `json:"captured_at"`

	// FacesDetected and Ambiguous describe the extraction that produced the
	// record. They are not persisted.
	FacesDetected int  `json:"faces_detected"`
	Ambiguous     bool `json:"ambiguous"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// Session is a bounded attendance window for one cohort.
type Session struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Cohort    string        `json:"cohort"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Status    SessionStatus `json:"status"`
	// Threshold overrides the engine match threshold when positive.
	Threshold float64   `json:"threshold,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsActive reports whether the session is active and now lies within its window.
func (s Session) IsActive(now time.Time) bool {
	return s.Status == SessionActive && !now.Before(s.StartTime) && !now.After(s.EndTime)
}

// AttendanceStatus is the per-identity state within a session.
type AttendanceStatus string

const (
	StatusAbsent  AttendanceStatus = "absent"
	StatusPresent AttendanceStatus = "present"
)

// AttendanceRecord is the unique (session, identity) attendance row.
type AttendanceRecord struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"session_id"`
	IdentityKey  string           `json:"student_id"`
	Status       AttendanceStatus `json:"status"`
	RecognizedAt *time.Time       `json:"recognized_at,omitempty"`
	Confidence   *float64         `json:"confidence,omitempty"`
	EvidenceRef  string           `json:"evidence_url,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Statistics summarises a session.
type Statistics struct {
	Total      int     `json:"total_students"`
	Present    int     `json:"present_count"`
	Absent     int     `json:"absent_count"`
	Percentage float64 `json:"attendance_percentage"`
}

// PresentEntry is one row of the present list.
type PresentEntry struct {
	IdentityKey   string    `json:"student_id"`
	Name          string    `json:"name"`
	RecognizedAt  time.Time `json:"recognized_at"`
	Confidence    *float64  `json:"confidence"`
	EvidenceURL   string    `json:"evidence_url,omitempty"`
	FrontImageURL string    `json:"front_image_url,omitempty"`
}

// Box is a face bounding box in pixel coordinates.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection is one face found in an image.
type Detection struct {
	Box       Box
	Embedding []float32
}

// ColorOrder names the channel layout of a raw frame buffer.
type ColorOrder int

const (
	RGB ColorOrder = iota
	BGR
)

// Frame is a single captured image. Either Img is set, or Pix holds a packed
// 3-byte-per-pixel buffer in Order.
type Frame struct {
	Img        image.Image
	Pix        []byte
	Width      int
	Height     int
	Order      ColorOrder
	CapturedAt time.Time
}

// Image returns the frame as an RGB image, converting packed BGR buffers.
func (f Frame) Image() image.Image {
	if f.Img != nil {
		return f.Img
	}
	if f.Width <= 0 || f.Height <= 0 || len(f.Pix) < f.Width*f.Height*3 {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < f.Width*f.Height*3; i, j = i+3, j+4 {
		r, g, b := f.Pix[i], f.Pix[i+1], f.Pix[i+2]
		if f.Order == BGR {
			r, b = b, r
		}
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = r, g, b, 0xff
	}
	return img
}
