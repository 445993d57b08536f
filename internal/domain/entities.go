// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"encoding/json"
)

// Recording types handled by the processing pipelines.
const (
	TypeThermal  = "thermalRaw"
	TypeIR       = "irRaw"
	TypeAudio    = "audio"
	TypeTrailcam = "trailcam-image"
)

// Processing states a recording moves through on the service side.
const (
	StateTracking  = "tracking"
	StateRetrack   = "retrack"
	StateAnalyse   = "analyse"
	StateReprocess = "reprocess"
	StateToMP3     = "toMp3"
	StateFinished  = "FINISHED"
)

// Well-known tag labels.
const (
	FalsePositive     = "false-positive"
	Unidentified      = "unidentified"
	MultipleAnimals   = "multiple animals"
	AllTracksFiltered = "all tracks filtered"
	TracksLimited     = "tracks limited"
)

// Thermal frame dimensions in pixels. The rodent grid is addressed in this
// coordinate space.
const (
	FrameWidth  = 160
	FrameHeight = 120
)

// Recording is the worker's transient view of one recording, held for the
// lifetime of a single job. Unknown fields returned by the service are kept
// in Extra and written back verbatim when the recording is serialized to the
// classifier sidecar file.
type Recording struct {
	ID                int64
	Type              string
	ProcessingState   string
	DeviceID          int64
	RecordingDateTime string
	Duration          float64
	RawMimeType       string
	RawFileKey        string
	// Filename is the local path of the downloaded artifact. Set by the
	// pipeline before the recording is handed to the classifier.
	Filename string
	// Tracks is populated for retrack, classify and audio track re-analysis
	// jobs so the subprocess sees the existing track set.
	Tracks []*Track

	Extra map[string]json.RawMessage
}

type recordingKnown struct {
	ID                int64    `json:"id"`
	Type              string   `json:"type"`
	ProcessingState   string   `json:"processingState"`
	DeviceID          int64    `json:"DeviceId"`
	RecordingDateTime string   `json:"recordingDateTime,omitempty"`
	Duration          float64  `json:"duration,omitempty"`
	RawMimeType       string   `json:"rawMimeType,omitempty"`
	RawFileKey        string   `json:"rawFileKey,omitempty"`
	Filename          string   `json:"filename,omitempty"`
	Tracks            []*Track `json:"tracks,omitempty"`
}

var recordingKnownKeys = []string{
	"id", "type", "processingState", "DeviceId", "recordingDateTime",
	"duration", "rawMimeType", "rawFileKey", "filename", "tracks",
}

// UnmarshalJSON decodes the known recording fields and retains every other
// key in Extra so nothing the service sent is lost on the round trip.
func (r *Recording) UnmarshalJSON(data []byte) error {
	var known recordingKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range recordingKnownKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}
	*r = Recording{
		ID:                known.ID,
		Type:              known.Type,
		ProcessingState:   known.ProcessingState,
		DeviceID:          known.DeviceID,
		RecordingDateTime: known.RecordingDateTime,
		Duration:          known.Duration,
		RawMimeType:       known.RawMimeType,
		RawFileKey:        known.RawFileKey,
		Filename:          known.Filename,
		Tracks:            known.Tracks,
		Extra:             raw,
	}
	return nil
}

// MarshalJSON merges the known fields with the retained Extra keys.
func (r Recording) MarshalJSON() ([]byte, error) {
	known := recordingKnown{
		ID:                r.ID,
		Type:              r.Type,
		ProcessingState:   r.ProcessingState,
		DeviceID:          r.DeviceID,
		RecordingDateTime: r.RecordingDateTime,
		Duration:          r.Duration,
		RawMimeType:       r.RawMimeType,
		RawFileKey:        r.RawFileKey,
		Filename:          r.Filename,
		Tracks:            r.Tracks,
	}
	b, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Job is one unit of work handed out by the service queue. JobKey is the
// opaque de-duplication token that must accompany the completion report.
type Job struct {
	Recording *Recording
	RawJWT    string
	JobKey    string
}

// Position is one frame of a track's trajectory. Thermal positions are pixel
// rectangles with a thermal mass; audio positions are normalized rectangles
// in time/frequency space.
type Position struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Mass   float64 `json:"mass,omitempty"`
	Blank  bool    `json:"blank,omitempty"`
	Order  int     `json:"order,omitempty"`

	FreqStart *float64 `json:"freq_start,omitempty"`
	FreqEnd   *float64 `json:"freq_end,omitempty"`
}

// Track is a spatio-temporal segment of a recording. The service assigns ID
// on first post; until then it carries the classifier-local id.
type Track struct {
	ID            int64           `json:"id,omitempty"`
	StartS        float64         `json:"start_s"`
	EndS          float64         `json:"end_s"`
	Positions     []Position      `json:"positions,omitempty"`
	TrackingScore float64         `json:"tracking_score,omitempty"`
	Thumbnail     json.RawMessage `json:"thumbnail,omitempty"`
	Predictions   []*Prediction   `json:"predictions,omitempty"`

	// Audio-only attributes of the track rectangle.
	Scale   string   `json:"scale,omitempty"`
	MinFreq *float64 `json:"minFreq,omitempty"`
	MaxFreq *float64 `json:"maxFreq,omitempty"`

	// Confidence is the maximum prediction confidence, computed while
	// grading. Master is the resolved canonical prediction. Neither is sent
	// back inside track data.
	Confidence float64     `json:"-"`
	Master     *Prediction `json:"-"`
}

// Prediction is one model's opinion about one track. Tag is empty when the
// model made no call, "unidentified" when the call was demoted, otherwise a
// species or category label.
type Prediction struct {
	Tag                 string             `json:"tag,omitempty"`
	Label               string             `json:"label,omitempty"`
	Confidence          float64            `json:"confidence"`
	Clarity             float64            `json:"clarity,omitempty"`
	AverageNovelty      float64            `json:"average_novelty,omitempty"`
	AllClassConfidences json.RawMessage    `json:"all_class_confidences,omitempty"`
	Predictions         json.RawMessage    `json:"predictions,omitempty"`
	PredictionFrames    json.RawMessage    `json:"prediction_frames,omitempty"`
	ClassifyTime        *float64           `json:"classify_time,omitempty"`
	ModelID             int64              `json:"model_id,omitempty"`
	ModelName           string             `json:"model_name,omitempty"`
	Message             string             `json:"message,omitempty"`
	RatThreshVersion    int64              `json:"rat_thresh_version,omitempty"`
}

// ModelConfig is the static descriptor of one classifier model, delivered by
// the classifier alongside its results. TagScores must contain a "default"
// entry; per-label entries override it.
type ModelConfig struct {
	ID           int64              `json:"id"`
	Name         string             `json:"name"`
	ModelFile    string             `json:"model_file"`
	Wallaby      bool               `json:"wallaby"`
	Submodel     bool               `json:"submodel,omitempty"`
	Reclassify   map[string]int64   `json:"reclassify,omitempty"`
	IgnoredTags  []string           `json:"ignored_tags,omitempty"`
	TagScores    map[string]float64 `json:"tag_scores"`
	ClassifyTime *float64           `json:"classify_time,omitempty"`
}

// Ignores reports whether tag is on the model's ignore list.
func (m *ModelConfig) Ignores(tag string) bool {
	for _, t := range m.IgnoredTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Score returns the model's score for tag, falling back to the mandatory
// "default" entry.
func (m *ModelConfig) Score(tag string) (float64, bool) {
	if s, ok := m.TagScores[tag]; ok {
		return s, true
	}
	s, ok := m.TagScores["default"]
	return s, ok
}

// ClassifyResult is the parsed output of one tracker/classifier invocation.
type ClassifyResult struct {
	Algorithm       json.RawMessage `json:"algorithm"`
	TrackingTime    *float64        `json:"tracking_time,omitempty"`
	ThumbnailRegion json.RawMessage `json:"thumbnail_region,omitempty"`
	Models          []*ModelConfig  `json:"models,omitempty"`
	Tracks          []*Track        `json:"tracks,omitempty"`
}

// ModelsByID indexes the result's models by id.
func (c *ClassifyResult) ModelsByID() map[int64]*ModelConfig {
	byID := make(map[int64]*ModelConfig, len(c.Models))
	for _, m := range c.Models {
		byID[m.ID] = m
	}
	return byID
}

// RatThreshold is a device-local grid of thermal mass thresholds used to
// split a "rodent" master tag into rat or mouse. A nil cell means no data.
type RatThreshold struct {
	GridSize   int          `json:"gridSize"`
	Version    int64        `json:"version"`
	Thresholds [][]*float64 `json:"thresholds"`
}

// TrackInfo is the service's view of an existing track, as returned by the
// tracks listing endpoint. Start/End are seconds.
type TrackInfo struct {
	ID        int64          `json:"id"`
	Start     float64        `json:"start"`
	End       float64        `json:"end"`
	Positions []Position     `json:"positions,omitempty"`
	Tags      []TrackTagInfo `json:"tags,omitempty"`
}

// TrackTagInfo is one existing tag on a service-side track.
type TrackTagInfo struct {
	What      string          `json:"what"`
	Automatic bool            `json:"automatic"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Track converts the service view into a Track, normalizing the field names
// the classifier expects (start_s/end_s).
func (t TrackInfo) Track() *Track {
	return &Track{
		ID:        t.ID,
		StartS:    t.Start,
		EndS:      t.End,
		Positions: t.Positions,
	}
}

// HasAutomaticTag reports whether any existing tag on the track was applied
// automatically.
func (t TrackInfo) HasAutomaticTag() bool {
	for _, tag := range t.Tags {
		if tag.Automatic {
			return true
		}
	}
	return false
}

// AudioAnalysis is the audio extension of the classifier result, carried
// under the analysis_result key.
type AudioAnalysis struct {
	SpeciesIdentify        []SpeciesTrack  `json:"species_identify,omitempty"`
	CacophonyIndex         json.RawMessage `json:"cacophony_index,omitempty"`
	CacophonyIndexVersion  string          `json:"cacophony_index_version,omitempty"`
	Chirps                 json.RawMessage `json:"chirps,omitempty"`
	RegionCode             string          `json:"region_code,omitempty"`
	SpeciesIdentifyVersion string          `json:"species_identify_version,omitempty"`
	NonBirdTags            []string        `json:"non_bird_tags,omitempty"`
}

// SpeciesTrack is one detected audio segment with per-model predictions.
type SpeciesTrack struct {
	TrackID     int64               `json:"track_id,omitempty"`
	BeginS      float64             `json:"begin_s"`
	EndS        float64             `json:"end_s"`
	FreqStart   *float64            `json:"freq_start,omitempty"`
	FreqEnd     *float64            `json:"freq_end,omitempty"`
	Model       string              `json:"model,omitempty"`
	Predictions []SpeciesPrediction `json:"predictions,omitempty"`
}

// SpeciesPrediction pairs candidate species with their likelihoods.
type SpeciesPrediction struct {
	Species       []string  `json:"species,omitempty"`
	Likelihood    []float64 `json:"likelihood,omitempty"`
	RawTag        string    `json:"raw_tag,omitempty"`
	RawConfidence *float64  `json:"raw_confidence,omitempty"`
	Model         string    `json:"model,omitempty"`
}

// API is the port to the recording service. Implementations hold a bearer
// session and re-authenticate transparently (once) when it expires.
type API interface {
	// NextJob polls the processing queue. A nil job means the queue is empty.
	NextJob(ctx context.Context, recordingType, state string) (*Job, error)
	// ReportDone reports successful completion with optional field updates.
	ReportDone(ctx context.Context, rec *Recording, jobKey, newFileKey, newMimeType string, metadata map[string]any) error
	// ReportFailed reports a failed job so the service can re-queue it.
	ReportFailed(ctx context.Context, recordingID int64, jobKey string) error
	// DownloadFile streams the signed-URL artifact to path.
	DownloadFile(ctx context.Context, rawJWT, path string) error
	// UploadFile posts the file and returns the new file key.
	UploadFile(ctx context.Context, path string) (string, error)
	// AddTrack creates a track and returns the service-assigned id.
	AddTrack(ctx context.Context, rec *Recording, track *Track, algorithmID int64) (int64, error)
	// UpdateTrack replaces the data of an existing track.
	UpdateTrack(ctx context.Context, rec *Recording, track *Track) error
	// ArchiveTrack archives a track.
	ArchiveTrack(ctx context.Context, rec *Recording, trackID int64) error
	// AddTrackTag posts one prediction as a track tag with free-form data.
	AddTrackTag(ctx context.Context, rec *Recording, trackID int64, prediction *Prediction, data map[string]any) (int64, error)
	// GetTrackInfo lists the service-side tracks of a recording.
	GetTrackInfo(ctx context.Context, recordingID int64) ([]TrackInfo, error)
	// GetAlgorithmID registers an algorithm descriptor and returns its id.
	GetAlgorithmID(ctx context.Context, algorithm any) (int64, error)
	// TagRecording attaches a recording-level tag.
	TagRecording(ctx context.Context, rec *Recording, label string, metadata map[string]any) error
	// GetRatThreshold fetches the device rodent grid valid at atTime. A nil
	// threshold means the device has none.
	GetRatThreshold(ctx context.Context, deviceID int64, atTime string) (*RatThreshold, error)
}
