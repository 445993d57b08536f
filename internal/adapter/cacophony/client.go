// Package cacophony is the HTTP client for the recording service.
//
// It owns the authenticated session: credentials are exchanged for a bearer
// token whose expiry is read from the token claims, and requests that come
// back 401 are retried exactly once after re-authenticating.
package cacophony

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

const (
	requestTimeout  = 60 * time.Second
	downloadTimeout = 5 * time.Minute
	// tokenSafetyMargin is subtracted from the claimed token lifetime so the
	// client re-authenticates before the server starts rejecting.
	tokenSafetyMargin = 30 * time.Second
	// fallbackTokenLifetime applies when the token claims cannot be decoded.
	fallbackTokenLifetime = 5 * time.Minute
)

// Client implements domain.API over the recording service HTTP interface.
// A Client holds one session; sessions are never shared across workers.
type Client struct {
	apiURL  string
	fileURL string
	user    string
	pass    string
	logger  *slog.Logger

	httpClient *http.Client
	dlClient   *http.Client

	token  string
	expiry time.Time

	now func() time.Time
}

var _ domain.API = (*Client)(nil)

// New constructs a Client and establishes the initial session.
func New(ctx context.Context, apiURL, user, password string, logger *slog.Logger) (*Client, error) {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	c := &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		fileURL:    strings.TrimRight(apiURL, "/") + "/api/v1/processing",
		user:       user,
		pass:       password,
		logger:     logger,
		httpClient: &http.Client{Timeout: requestTimeout, Transport: transport},
		dlClient:   &http.Client{Timeout: downloadTimeout, Transport: transport},
		now:        time.Now,
	}
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// login posts the credentials and schedules the next refresh from the token
// claims. The credential POST itself is never retried on 401.
func (c *Client) login(ctx context.Context) error {
	requestTime := c.now()
	form := url.Values{"email": {c.user}, "password": {c.pass}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/api/v1/users/authenticate", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("op=cacophony.login: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=cacophony.login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("op=cacophony.login: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.APIError{Op: "cacophony.login", StatusCode: resp.StatusCode, Body: string(body)}
	}
	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("op=cacophony.login: %w", err)
	}
	c.token = parsed.Token
	c.expiry = requestTime.Add(c.tokenLifetime(parsed.Token)).Add(-tokenSafetyMargin)
	c.logger.Debug("session established", slog.Time("token_expiry", c.expiry))
	return nil
}

// tokenLifetime reads exp-iat from the token claims without verifying the
// signature; the client only needs to know when to refresh.
func (c *Client) tokenLifetime(token string) time.Duration {
	raw := strings.TrimPrefix(token, "JWT ")
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		c.logger.Error("could not decode token expiry, using fallback", slog.Any("error", err))
		return fallbackTokenLifetime
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return fallbackTokenLifetime
	}
	exp, okExp := claims["exp"].(float64)
	iat, okIat := claims["iat"].(float64)
	if !okExp || !okIat || exp <= iat {
		c.logger.Error("token claims missing exp/iat, using fallback")
		return fallbackTokenLifetime
	}
	return time.Duration(exp-iat) * time.Second
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.now().Before(c.expiry) {
		return nil
	}
	c.logger.Debug("token expired, re-authenticating")
	return c.login(ctx)
}

// do builds a fresh request with build, attaches the session token, and
// executes it. A 401 triggers exactly one re-authentication and retry; a
// second 401 surfaces as domain.ErrAuthExpired.
func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error)) ([]byte, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	retried := false
	for {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		req.Header.Set("Authorization", c.token)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode == http.StatusUnauthorized && !retried:
			c.logger.Warn("request rejected with 401, re-authenticating",
				slog.String("op", op), slog.Time("token_expiry", c.expiry))
			if err := c.login(ctx); err != nil {
				return nil, err
			}
			retried = true
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, fmt.Errorf("op=%s: %w", op, domain.ErrAuthExpired)
		default:
			return nil, &domain.APIError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
		}
	}
}

func (c *Client) getForm(ctx context.Context, op, rawURL string, query url.Values) ([]byte, error) {
	return c.do(ctx, op, func() (*http.Request, error) {
		u := rawURL
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
}

func (c *Client) sendForm(ctx context.Context, op, method, rawURL string, form url.Values) ([]byte, error) {
	return c.do(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

// NextJob polls the queue for one (type, state) pair. 204 means no work.
func (c *Client) NextJob(ctx context.Context, recordingType, state string) (*domain.Job, error) {
	body, err := c.getForm(ctx, "cacophony.NextJob", c.fileURL,
		url.Values{"type": {recordingType}, "state": {state}})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	var parsed struct {
		Recording *domain.Recording `json:"recording"`
		RawJWT    string            `json:"rawJWT"`
		JobKey    string            `json:"jobKey"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("op=cacophony.NextJob: %w", err)
	}
	if parsed.Recording == nil {
		return nil, nil
	}
	job := &domain.Job{Recording: parsed.Recording, RawJWT: parsed.RawJWT, JobKey: parsed.JobKey}
	if job.JobKey == "" {
		// Some service versions deliver the job key inside the recording.
		if raw, ok := parsed.Recording.Extra["jobKey"]; ok {
			_ = json.Unmarshal(raw, &job.JobKey)
		}
	}
	return job, nil
}

// ReportDone reports success, optionally switching the processed file key
// and MIME type, and merging metadata into the recording's field updates.
func (c *Client) ReportDone(ctx context.Context, rec *domain.Recording, jobKey, newFileKey, newMimeType string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if newMimeType != "" {
		metadata["fileMimeType"] = newMimeType
	}
	result, err := json.Marshal(map[string]any{"fieldUpdates": metadata})
	if err != nil {
		return fmt.Errorf("op=cacophony.ReportDone: %w", err)
	}
	form := url.Values{
		"id":       {strconv.FormatInt(rec.ID, 10)},
		"jobKey":   {jobKey},
		"success":  {"true"},
		"complete": {"true"},
		"result":   {string(result)},
	}
	if newFileKey != "" {
		form.Set("newProcessedFileKey", newFileKey)
	}
	_, err = c.sendForm(ctx, "cacophony.ReportDone", http.MethodPut, c.fileURL, form)
	return err
}

// ReportFailed reports a failed job; the service re-queues it.
func (c *Client) ReportFailed(ctx context.Context, recordingID int64, jobKey string) error {
	form := url.Values{
		"id":       {strconv.FormatInt(recordingID, 10)},
		"jobKey":   {jobKey},
		"success":  {"false"},
		"complete": {"false"},
	}
	_, err := c.sendForm(ctx, "cacophony.ReportFailed", http.MethodPut, c.fileURL, form)
	return err
}

// DownloadFile streams the raw artifact behind the signed-URL token to path.
// Transient failures are retried with bounded exponential backoff.
func (c *Client) DownloadFile(ctx context.Context, rawJWT, path string) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.apiURL+"/api/v1/signedUrl?jwt="+url.QueryEscape(rawJWT), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.dlClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			apiErr := &domain.APIError{Op: "cacophony.DownloadFile", StatusCode: resp.StatusCode, Body: string(body)}
			if !apiErr.Transient() {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}
		f, err := os.Create(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=cacophony.DownloadFile: %w", err)
	}
	return nil
}

// UploadFile posts the processed file with its SHA-1 hash and returns the
// new file key.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	hash, err := fileSHA1(path)
	if err != nil {
		return "", fmt.Errorf("op=cacophony.UploadFile: %w", err)
	}
	body, err := c.do(ctx, "cacophony.UploadFile", func() (*http.Request, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		data, err := json.Marshal(map[string]string{"fileHash": hash})
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := mw.WriteField("data", string(data)); err != nil {
			_ = f.Close()
			return nil, err
		}
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = f.Close()
			return nil, err
		}
		_ = f.Close()
		if err := mw.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.fileURL+"/processed", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		FileKey string `json:"fileKey"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("op=cacophony.UploadFile: %w", err)
	}
	return parsed.FileKey, nil
}

func fileSHA1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AddTrack creates a track on the recording and returns its id.
func (c *Client) AddTrack(ctx context.Context, rec *domain.Recording, track *domain.Track, algorithmID int64) (int64, error) {
	data, err := json.Marshal(track)
	if err != nil {
		return 0, fmt.Errorf("op=cacophony.AddTrack: %w", err)
	}
	form := url.Values{
		"data":        {string(data)},
		"algorithmId": {strconv.FormatInt(algorithmID, 10)},
	}
	body, err := c.sendForm(ctx, "cacophony.AddTrack", http.MethodPost,
		fmt.Sprintf("%s/%d/tracks", c.fileURL, rec.ID), form)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		TrackID int64 `json:"trackId"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("op=cacophony.AddTrack: %w", err)
	}
	return parsed.TrackID, nil
}

// UpdateTrack replaces an existing track's data.
func (c *Client) UpdateTrack(ctx context.Context, rec *domain.Recording, track *domain.Track) error {
	data, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("op=cacophony.UpdateTrack: %w", err)
	}
	_, err = c.sendForm(ctx, "cacophony.UpdateTrack", http.MethodPost,
		fmt.Sprintf("%s/%d/tracks/%d", c.fileURL, rec.ID, track.ID),
		url.Values{"data": {string(data)}})
	return err
}

// ArchiveTrack archives a track.
func (c *Client) ArchiveTrack(ctx context.Context, rec *domain.Recording, trackID int64) error {
	_, err := c.sendForm(ctx, "cacophony.ArchiveTrack", http.MethodPost,
		fmt.Sprintf("%s/%d/tracks/%d/archive", c.fileURL, rec.ID, trackID), url.Values{})
	return err
}

// AddTrackTag posts one prediction as a track tag. The free-form data map
// travels as a JSON-encoded string.
func (c *Client) AddTrackTag(ctx context.Context, rec *domain.Recording, trackID int64, prediction *domain.Prediction, data map[string]any) (int64, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("op=cacophony.AddTrackTag: %w", err)
	}
	form := url.Values{
		"what":       {prediction.Tag},
		"confidence": {strconv.FormatFloat(prediction.Confidence, 'f', -1, 64)},
		"data":       {string(encoded)},
	}
	body, err := c.sendForm(ctx, "cacophony.AddTrackTag", http.MethodPost,
		fmt.Sprintf("%s/%d/tracks/%d/tags", c.fileURL, rec.ID, trackID), form)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		TrackTagID int64 `json:"trackTagId"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("op=cacophony.AddTrackTag: %w", err)
	}
	return parsed.TrackTagID, nil
}

// GetTrackInfo lists the recording's existing tracks.
func (c *Client) GetTrackInfo(ctx context.Context, recordingID int64) ([]domain.TrackInfo, error) {
	body, err := c.getForm(ctx, "cacophony.GetTrackInfo",
		fmt.Sprintf("%s/api/v1/recordings/%d/tracks", c.apiURL, recordingID), nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tracks []domain.TrackInfo `json:"tracks"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("op=cacophony.GetTrackInfo: %w", err)
	}
	return parsed.Tracks, nil
}

// GetAlgorithmID registers the algorithm descriptor and returns its id.
func (c *Client) GetAlgorithmID(ctx context.Context, algorithm any) (int64, error) {
	encoded, err := json.Marshal(algorithm)
	if err != nil {
		return 0, fmt.Errorf("op=cacophony.GetAlgorithmID: %w", err)
	}
	body, err := c.sendForm(ctx, "cacophony.GetAlgorithmID", http.MethodPost,
		c.fileURL+"/algorithm", url.Values{"algorithm": {string(encoded)}})
	if err != nil {
		return 0, err
	}
	var parsed struct {
		AlgorithmID int64 `json:"algorithmId"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("op=cacophony.GetAlgorithmID: %w", err)
	}
	return parsed.AlgorithmID, nil
}

// TagRecording attaches a recording-level tag. When metadata carries an
// "event" key the event becomes the tag detail, matching the service's
// representation of event tags.
func (c *Client) TagRecording(ctx context.Context, rec *domain.Recording, label string, metadata map[string]any) error {
	tag := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		tag[k] = v
	}
	tag["automatic"] = true
	if event, ok := tag["event"]; ok {
		tag["detail"] = event
		delete(tag, "event")
	} else {
		tag["detail"] = label
		tag["confidence"] = metadata["confidence"]
	}
	encoded, err := json.Marshal(tag)
	if err != nil {
		return fmt.Errorf("op=cacophony.TagRecording: %w", err)
	}
	_, err = c.sendForm(ctx, "cacophony.TagRecording", http.MethodPost,
		fmt.Sprintf("%s/api/v1/recordings/%d/tags", c.apiURL, rec.ID),
		url.Values{"tag": {string(encoded)}})
	return err
}

// GetRatThreshold fetches the device's rodent grid valid at atTime. Returns
// nil when the device has no grid configured.
func (c *Client) GetRatThreshold(ctx context.Context, deviceID int64, atTime string) (*domain.RatThreshold, error) {
	query := url.Values{}
	if atTime != "" {
		query.Set("at-time", atTime)
	}
	body, err := c.getForm(ctx, "cacophony.GetRatThreshold",
		fmt.Sprintf("%s/ratthresh/%d", c.fileURL, deviceID), query)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		DeviceHistoryEntry *struct {
			Settings *struct {
				RatThresh *domain.RatThreshold `json:"ratThresh"`
			} `json:"settings"`
		} `json:"deviceHistoryEntry"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("op=cacophony.GetRatThreshold: %w", err)
	}
	if parsed.DeviceHistoryEntry == nil || parsed.DeviceHistoryEntry.Settings == nil {
		return nil, nil
	}
	return parsed.DeviceHistoryEntry.Settings.RatThresh, nil
}
