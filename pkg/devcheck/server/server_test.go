package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/cam"
	"github.com/probelab/devcheck/pkg/capture/driver"
	"github.com/probelab/devcheck/pkg/capture/driver/synth"
	"github.com/probelab/devcheck/pkg/capture/mic"
	"github.com/probelab/devcheck/pkg/dsp/spectrum"
)

func fastLoop() capture.LoopConfig {
	return capture.LoopConfig{
		Interval:    5 * time.Millisecond,
		IdleDelay:   2 * time.Millisecond,
		RetryDelay:  5 * time.Millisecond,
		StopTimeout: 500 * time.Millisecond,
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := zerolog.Nop()

	micCheck := mic.NewCheck(mic.CheckConfig{
		OpenSource: func(ctx context.Context, deviceID string) (driver.AudioSource, error) {
			return synth.NewTone(1000, 0.8), nil
		},
		ListDevices: func(ctx context.Context) ([]capture.DeviceInfo, error) {
			return []capture.DeviceInfo{{ID: "tone", Label: "Synthetic tone", Default: true}}, nil
		},
		Loop: fastLoop(),
	}, logger, nil)

	camCheck := cam.NewCheck(cam.CheckConfig{
		OpenSource: func(ctx context.Context, deviceID string) (driver.FrameSource, error) {
			return synth.NewPattern(), nil
		},
		ListDevices: func(ctx context.Context) ([]capture.DeviceInfo, error) {
			return []capture.DeviceInfo{{ID: "pattern", Label: "Test pattern", Default: true}}, nil
		},
		Loop: fastLoop(),
	}, logger, nil)

	s := New(Config{Addr: ":0", RecordDir: t.TempDir()}, micCheck, camCheck, logger)
	ts := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		ts.Close()
		micCheck.Close(context.Background())
		camCheck.Close(context.Background())
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st map[string]capture.Status
	decode(t, resp, &st)
	assert.Equal(t, "closed", st["mic"].State)
	assert.Equal(t, "closed", st["cam"].State)
}

func TestDevicesEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/check/mic/devices")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var devs []capture.DeviceInfo
	decode(t, resp, &devs)
	require.Len(t, devs, 1)
	assert.Equal(t, "tone", devs[0].ID)

	resp, err = http.Get(ts.URL + "/api/check/toaster/devices")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSelectValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/check/mic/select", `{}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/check/mic/select", `not json`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartWithoutDevice(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/check/mic/start", ``)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSpectrumFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/spectrum")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no spectrum before capture")

	resp = postJSON(t, ts.URL+"/api/check/mic/select", `{"device":"tone"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/check/mic/start", ``)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Bands   []float64 `json:"bands"`
		Centers []float64 `json:"centers"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/spectrum")
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			return false
		}
		decode(t, resp, &body)
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Len(t, body.Bands, spectrum.NumBands)
	assert.Len(t, body.Centers, spectrum.NumBands)

	resp, err = http.Get(ts.URL + "/api/spectrum.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	var png bytes.Buffer
	png.ReadFrom(resp.Body)
	assert.True(t, bytes.HasPrefix(png.Bytes(), []byte("\x89PNG")))

	// stop twice: stopping a stopped check is still a success
	for i := 0; i < 2; i++ {
		resp = postJSON(t, ts.URL+"/api/check/mic/stop", ``)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestFrameFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/frame.jpg")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/check/cam/select", `{"device":"pattern"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/check/cam/start", ``)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var frame []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/frame.jpg")
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			return false
		}
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		resp.Body.Close()
		frame = buf.Bytes()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, bytes.HasPrefix(frame, []byte{0xff, 0xd8}), "frame is a JPEG")
}

func TestRecordingFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/check/mic/select", `{"device":"tone"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postJSON(t, ts.URL+"/api/check/mic/start", ``)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/record/start", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started map[string]string
	decode(t, resp, &started)
	require.NotEmpty(t, started["path"])

	time.Sleep(200 * time.Millisecond)

	resp = postJSON(t, ts.URL+"/api/record/stop", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stopped struct {
		Path       string `json:"path"`
		DurationMS int64  `json:"duration_ms"`
	}
	decode(t, resp, &stopped)
	assert.Equal(t, started["path"], stopped.Path)
	assert.Greater(t, stopped.DurationMS, int64(0))

	resp = postJSON(t, ts.URL+"/api/record/stop", ``)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, "no active recording")
}

func TestWebSocketReceivesBands(t *testing.T) {
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := postJSON(t, ts.URL+"/api/check/mic/select", `{"device":"tone"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postJSON(t, ts.URL+"/api/check/mic/start", ``)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)

		var evt struct {
			Type  string    `json:"type"`
			Bands []float64 `json:"bands"`
		}
		require.NoError(t, json.Unmarshal(msg, &evt))
		if evt.Type != "bands" {
			continue
		}
		assert.Len(t, evt.Bands, spectrum.NumBands)
		return
	}
}

func TestCommandErrorMapping(t *testing.T) {
	s, ts := newTestServer(t)

	w := httptest.NewRecorder()
	s.writeCommandError(w, fmt.Errorf("wrapped: %w", context.Canceled))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	s.writeCommandError(w, capture.ErrNoDevice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	s.writeCommandError(w, &capture.InvalidStateError{Op: "start", State: capture.StateCapturing})
	assert.Equal(t, http.StatusConflict, w.Code)

	_ = ts
}
