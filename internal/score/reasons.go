package score

import "fmt"

// ReasonKind tags a rejection reason so consumers can switch on the category
// instead of matching substrings of the rendered message.
type ReasonKind string

const (
	ReasonUnreadable       ReasonKind = "unreadable"
	ReasonResolutionTooLow ReasonKind = "resolution_too_low"
	ReasonDurationTooShort ReasonKind = "duration_too_short"
	ReasonFileTooLarge     ReasonKind = "file_too_large"
	ReasonFrameRateTooLow  ReasonKind = "frame_rate_too_low"
	ReasonQualityTooLow    ReasonKind = "quality_too_low"
	ReasonBitrateTooLow    ReasonKind = "bitrate_too_low"
	ReasonBrightnessOff    ReasonKind = "brightness_off"
	ReasonContrastLow      ReasonKind = "contrast_low"
	ReasonSharpnessLow     ReasonKind = "sharpness_low"
)

// Reason is a structured rejection reason. Message is the rendered
// human-readable form; the numeric fields carry the raw comparison so the
// correction engine never has to parse text.
type Reason struct {
	Kind      ReasonKind `json:"kind"`
	Message   string     `json:"message"`
	Observed  float64    `json:"observed,omitempty"`
	Required  float64    `json:"required,omitempty"`
	ObservedW int        `json:"observed_w,omitempty"`
	ObservedH int        `json:"observed_h,omitempty"`
	RequiredW int        `json:"required_w,omitempty"`
	RequiredH int        `json:"required_h,omitempty"`
}

// Unreadable reports an artifact that could not be decoded at all.
func Unreadable(path string, err error) Reason {
	return Reason{
		Kind:    ReasonUnreadable,
		Message: fmt.Sprintf("Unreadable artifact %s: %v", path, err),
	}
}

// ResolutionTooLow reports a frame size below the minimum.
func ResolutionTooLow(w, h, minW, minH int) Reason {
	return Reason{
		Kind:      ReasonResolutionTooLow,
		Message:   fmt.Sprintf("Resolution too low: %dx%d < %dx%d", w, h, minW, minH),
		ObservedW: w, ObservedH: h,
		RequiredW: minW, RequiredH: minH,
	}
}

// DurationTooShort reports a clip shorter than the minimum duration.
func DurationTooShort(got, min float64) Reason {
	return Reason{
		Kind:     ReasonDurationTooShort,
		Message:  fmt.Sprintf("Duration too short: %.2fs < %.2fs", got, min),
		Observed: got, Required: min,
	}
}

// FileTooLarge reports a file above the size ceiling (both sides in MB).
func FileTooLarge(gotMB, maxMB float64) Reason {
	return Reason{
		Kind:     ReasonFileTooLarge,
		Message:  fmt.Sprintf("File too large: %.1fMB > %.1fMB", gotMB, maxMB),
		Observed: gotMB, Required: maxMB,
	}
}

// FrameRateTooLow reports a frame rate below the minimum.
func FrameRateTooLow(got, min float64) Reason {
	return Reason{
		Kind:     ReasonFrameRateTooLow,
		Message:  fmt.Sprintf("Frame rate too low: %.1ffps < %.1ffps", got, min),
		Observed: got, Required: min,
	}
}

// QualityTooLow reports an overall quality score below the minimum.
func QualityTooLow(got, min float64) Reason {
	return Reason{
		Kind:     ReasonQualityTooLow,
		Message:  fmt.Sprintf("Quality score too low: %.2f < %.2f", got, min),
		Observed: got, Required: min,
	}
}

// BitrateTooLow reports encoding bitrate below the minimum (kbps).
func BitrateTooLow(got, min float64) Reason {
	return Reason{
		Kind:     ReasonBitrateTooLow,
		Message:  fmt.Sprintf("Bitrate too low: %.0fkbps < %.0fkbps", got, min),
		Observed: got, Required: min,
	}
}

// BrightnessOff reports symmetric over- or under-exposure.
func BrightnessOff(balance, min float64) Reason {
	return Reason{
		Kind:     ReasonBrightnessOff,
		Message:  fmt.Sprintf("Brightness balance off: %.2f < %.2f", balance, min),
		Observed: balance, Required: min,
	}
}

// ContrastLow reports flat luminance distribution.
func ContrastLow(got, min float64) Reason {
	return Reason{
		Kind:     ReasonContrastLow,
		Message:  fmt.Sprintf("Contrast too low: %.2f < %.2f", got, min),
		Observed: got, Required: min,
	}
}

// SharpnessLow reports blur (low Laplacian variance).
func SharpnessLow(got, min float64) Reason {
	return Reason{
		Kind:     ReasonSharpnessLow,
		Message:  fmt.Sprintf("Sharpness too low: %.2f < %.2f", got, min),
		Observed: got, Required: min,
	}
}

// Messages renders a reason slice to plain strings for reports and storage.
func Messages(reasons []Reason) []string {
	if len(reasons) == 0 {
		return nil
	}
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = r.Message
	}
	return out
}
