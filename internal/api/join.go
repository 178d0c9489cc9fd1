package api

import (
	"net/http"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 320
	minQRSize     = 128
	maxQRSize     = 1024
)

// handleJoinQR renders a QR code that takes the audience to the
// dashboard. ?size= sets the edge length in pixels.
func (s *Server) handleJoinQR(w http.ResponseWriter, r *http.Request) {
	size := defaultQRSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minQRSize || n > maxQRSize {
			s.errorResponse(w, http.StatusBadRequest, "size must be between 128 and 1024")
			return
		}
		size = n
	}

	png, err := qrcode.Encode(s.joinURL(r), qrcode.Medium, size)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "encode QR code: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(png)
}
