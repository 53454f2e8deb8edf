package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mitsume/internal/camera"
	"mitsume/internal/capture"
)

// StatusResponse はシステム状態
type StatusResponse struct {
	Status    string          `json:"status"`
	Devices   int             `json:"devices"`
	Sessions  int             `json:"sessions"`
	Selected  camera.DeviceID `json:"selected,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SelectRequest は選択変更の要求
type SelectRequest struct {
	DeviceID camera.DeviceID `json:"deviceId"`
}

// SetControlRequest はコントロール書き込みの要求
type SetControlRequest struct {
	Value     *int32 `json:"value" binding:"required"`
	KnownName string `json:"knownName,omitempty"`
}

// ControlValue は書き込んだコントロールの値
type ControlValue struct {
	ControlID string `json:"controlId"`
	Value     int32  `json:"value"`
}

// StartCaptureRequest はキャプチャ開始の要求。0は指定なし
type StartCaptureRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

func deviceParam(c *gin.Context) camera.DeviceID {
	return camera.DeviceID(c.Param("id"))
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	snap := s.app.Snapshot()
	c.JSON(http.StatusOK, StatusResponse{
		Status:    "running",
		Devices:   len(snap.Devices),
		Sessions:  len(s.app.AllDiagnostics()),
		Selected:  snap.Selected,
		Timestamp: time.Now(),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Snapshot())
}

func (s *Server) handleSelect(c *gin.Context) {
	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	snap, err := s.app.SelectDevice(c.Request.Context(), req.DeviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleAllDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.AllDiagnostics())
}

func (s *Server) handleGetControls(c *gin.Context) {
	controls, err := s.app.GetControls(c.Request.Context(), deviceParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, controls)
}

func (s *Server) handleSetControl(c *gin.Context) {
	var req SetControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	controlID := c.Param("control")
	value, err := s.app.SetControl(c.Request.Context(), deviceParam(c), controlID, *req.Value, req.KnownName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ControlValue{ControlID: controlID, Value: value})
}

func (s *Server) handleResetControl(c *gin.Context) {
	controlID := c.Param("control")
	value, err := s.app.ResetControl(c.Request.Context(), deviceParam(c), controlID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ControlValue{ControlID: controlID, Value: value})
}

func (s *Server) handleResetAll(c *gin.Context) {
	results, err := s.app.ResetAll(c.Request.Context(), deviceParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleGetFormats(c *gin.Context) {
	formats, err := s.app.GetFormats(c.Request.Context(), deviceParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, formats)
}

func (s *Server) handleStartCapture(c *gin.Context) {
	var req StartCaptureRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	diag, err := s.app.StartCapture(c.Request.Context(), deviceParam(c), req.Width, req.Height, req.FPS)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, diag)
}

func (s *Server) handleStopCapture(c *gin.Context) {
	if err := s.app.StopCapture(deviceParam(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetFrame(c *gin.Context) {
	f, err := s.app.GetFrame(deviceParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	c.Header("X-Frame-Width", strconv.Itoa(f.Width))
	c.Header("X-Frame-Height", strconv.Itoa(f.Height))
	c.Header("X-Frame-Captured-At", f.CapturedAt.Format(time.RFC3339Nano))
	c.Data(http.StatusOK, "image/jpeg", f.Data)
}

func (s *Server) handleGetThumbnail(c *gin.Context) {
	data, err := s.app.GetThumbnail(deviceParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleGetDiagnostics(c *gin.Context) {
	diag, err := s.app.GetDiagnostics(deviceParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, diag)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	rec, ok := s.app.GetSavedSettings(deviceParam(c))
	if !ok {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// streamPollInterval はMJPEGストリームが新しいフレームを確認する間隔
const streamPollInterval = 15 * time.Millisecond

// handleStream はMJPEGストリームを配信する
// 最新フレームの番号が変わったときだけ書き出す
func (s *Server) handleStream(c *gin.Context) {
	id := deviceParam(c)
	if _, err := s.app.GetDiagnostics(id); err != nil {
		respondError(c, err)
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := c.Writer
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	var lastSeq uint64
	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
		}

		f, err := s.app.GetFrame(id)
		if errors.Is(err, capture.ErrNoFrame) {
			continue
		}
		if err != nil {
			s.logger.Debug("ストリームを終了します", "device_id", id, "error", err)
			return
		}
		if f.Seq == lastSeq {
			continue
		}
		lastSeq = f.Seq

		if err := writeMJPEGPart(writer, f.Data); err != nil {
			return
		}
		writer.Flush()
	}
}

// writeMJPEGPart はmultipartの1パートを書き出す
func writeMJPEGPart(w gin.ResponseWriter, frame []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: " + strconv.Itoa(len(frame)) + "\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
