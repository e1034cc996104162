// Package httpapi exposes pipeline status and the train-now trigger over
// HTTP. It reads the same snapshot and journal the engine writes; it never
// mutates pipeline state other than arming the trigger latch.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/jmallek/distill/internal/journal"
	"github.com/jmallek/distill/internal/pipeline"
	"github.com/jmallek/distill/internal/statestore"
)

// Server serves the status API for one output directory.
type Server struct {
	outDir string
	jrnl   *journal.Journal
	echo   *echo.Echo
}

// New builds the server. jrnl may be nil; the rounds and events endpoints
// then report 503.
func New(outDir string, jrnl *journal.Journal) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{outDir: outDir, jrnl: jrnl, echo: e}
	e.GET("/api/status", s.handleStatus)
	e.GET("/api/rounds", s.handleRounds)
	e.GET("/api/events", s.handleEvents)
	e.POST("/api/train-now", s.handleTrainNow)
	return s
}

// Start listens on addr and blocks until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleStatus(c echo.Context) error {
	snap, err := statestore.LoadSnapshot(s.outDir)
	if errors.Is(err, statestore.ErrNoState) {
		return echo.NewHTTPError(http.StatusNotFound, "no run state")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRounds(c echo.Context) error {
	if s.jrnl == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "journal disabled")
	}
	runID, err := s.runID(c)
	if err != nil {
		return err
	}
	rounds, err := s.jrnl.Rounds(runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": runID, "rounds": rounds})
}

func (s *Server) handleEvents(c echo.Context) error {
	if s.jrnl == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "journal disabled")
	}
	runID, err := s.runID(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	events, err := s.jrnl.Events(runID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": runID, "events": events})
}

func (s *Server) handleTrainNow(c echo.Context) error {
	// The run-agnostic latch works whether or not a run is active; the
	// engine picks it up at its next round boundary.
	if err := pipeline.FireLatest(s.outDir); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "armed"})
}

// runID resolves the run to query: the explicit query parameter, or the run
// recorded in the latest snapshot.
func (s *Server) runID(c echo.Context) (string, error) {
	if id := c.QueryParam("run_id"); id != "" {
		return id, nil
	}
	snap, err := statestore.LoadSnapshot(s.outDir)
	if errors.Is(err, statestore.ErrNoState) {
		return "", echo.NewHTTPError(http.StatusNotFound, "no run state")
	}
	if err != nil {
		return "", echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return snap.RunID, nil
}
