package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

func TestRecording_RoundTripPreservesUnknownFields(t *testing.T) {
	raw := `{
		"id": 42,
		"type": "thermalRaw",
		"processingState": "analyse",
		"DeviceId": 7,
		"duration": 31.5,
		"rawMimeType": "application/x-cptv",
		"location": {"lat": -43.5, "lng": 172.6},
		"additionalMetadata": {"previewSecs": 3}
	}`
	var rec domain.Recording
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))

	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, domain.TypeThermal, rec.Type)
	assert.Equal(t, domain.StateAnalyse, rec.ProcessingState)
	assert.Equal(t, int64(7), rec.DeviceID)
	assert.InDelta(t, 31.5, rec.Duration, 1e-9)
	require.Contains(t, rec.Extra, "location")
	require.Contains(t, rec.Extra, "additionalMetadata")

	rec.Filename = "/tmp/recording.cptv"
	rec.Tracks = []*domain.Track{{ID: 1, StartS: 0, EndS: 3}}
	out, err := json.Marshal(rec)
	require.NoError(t, err)

	var echoed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &echoed))
	assert.Contains(t, echoed, "location")
	assert.Contains(t, echoed, "additionalMetadata")
	assert.Contains(t, echoed, "filename")
	assert.Contains(t, echoed, "tracks")
	assert.JSONEq(t, `{"lat": -43.5, "lng": 172.6}`, string(echoed["location"]))
}

func TestModelConfig_Score(t *testing.T) {
	m := &domain.ModelConfig{TagScores: map[string]float64{"bird": 4, "default": 1}}
	s, ok := m.Score("bird")
	assert.True(t, ok)
	assert.InDelta(t, 4.0, s, 1e-9)
	s, ok = m.Score("cat")
	assert.True(t, ok)
	assert.InDelta(t, 1.0, s, 1e-9)

	noDefault := &domain.ModelConfig{TagScores: map[string]float64{"bird": 4}}
	_, ok = noDefault.Score("cat")
	assert.False(t, ok)
}

func TestTrackInfo_Track(t *testing.T) {
	info := domain.TrackInfo{ID: 9, Start: 1.5, End: 4.25,
		Positions: []domain.Position{{X: 10, Y: 20, Width: 5, Height: 5}}}
	track := info.Track()
	assert.Equal(t, int64(9), track.ID)
	assert.InDelta(t, 1.5, track.StartS, 1e-9)
	assert.InDelta(t, 4.25, track.EndS, 1e-9)
	assert.Len(t, track.Positions, 1)
}

func TestTrackInfo_HasAutomaticTag(t *testing.T) {
	manual := domain.TrackInfo{Tags: []domain.TrackTagInfo{{What: "rat", Automatic: false}}}
	assert.False(t, manual.HasAutomaticTag())
	auto := domain.TrackInfo{Tags: []domain.TrackTagInfo{{What: "rat", Automatic: true}}}
	assert.True(t, auto.HasAutomaticTag())
}

func TestClassifyResult_ModelsByID(t *testing.T) {
	result := domain.ClassifyResult{Models: []*domain.ModelConfig{
		{ID: 1, Name: "a"}, {ID: 2, Name: "b"},
	}}
	byID := result.ModelsByID()
	require.Len(t, byID, 2)
	assert.Equal(t, "a", byID[1].Name)
	assert.Equal(t, "b", byID[2].Name)
}
