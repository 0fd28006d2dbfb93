package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"fairwatch/internal/fairness"
	"fairwatch/internal/faults"
	"fairwatch/internal/ingest"
	"fairwatch/internal/session"
	"fairwatch/internal/storage"
	"fairwatch/internal/trust"
)

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "time": s.deps.Now().UTC()}
	if s.deps.Admitter != nil {
		body["sessions"] = s.deps.Admitter.Active()
	}
	c.JSON(http.StatusOK, body)
}

// ingestBatch 批量写入
// POST /v1/ingest {session, casino, headers?, row? | rows[]}
func (s *Server) ingestBatch(c *gin.Context) {
	var msg ingest.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		s.fail(c, faults.Invalid("body", err.Error()))
		return
	}
	res, err := s.deps.Pipeline.Ingest(c.Request.Context(), msg)
	if err != nil {
		status := statusFor(err)
		c.JSON(status, gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /v1/sessions
func (s *Server) admitSession(c *gin.Context) {
	var tok session.Token
	if err := c.ShouldBindJSON(&tok); err != nil {
		s.fail(c, faults.Invalid("body", err.Error()))
		return
	}
	entry, err := s.deps.Pipeline.Admit(tok)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": tok.SessionID, "casinoId": entry.CasinoID, "expires": entry.Expires})
}

type verifyRequest struct {
	fairness.Bet
	CasinoID string         `json:"casinoId"`
	Epsilon  float64        `json:"epsilon"`
	Bets     []fairness.Bet `json:"bets"`
}

// verify re-derives one bet or audits a batch.
// POST /v1/verify
func (s *Server) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Invalid("body", err.Error()))
		return
	}
	bets := req.Bets
	single := len(bets) == 0
	if single {
		if strings.TrimSpace(req.CommittedSeed) == "" {
			s.fail(c, faults.Invalid("committed_seed", "required"))
			return
		}
		bets = []fairness.Bet{req.Bet}
	}

	var (
		report fairness.AuditReport
		err    error
	)
	if s.deps.Auditor != nil {
		report, err = s.deps.Auditor.Audit(c.Request.Context(), req.CasinoID, bets, req.Epsilon)
		if err != nil {
			s.fail(c, err)
			return
		}
	} else {
		report = fairness.Audit(bets, req.Epsilon)
	}

	if single {
		res := report.Results[0]
		if res.Error != "" && req.ReportedHash == "" && req.Observed == nil {
			hash := fairness.GenerateOutcomeHash(req.CommittedSeed, req.SubjectID, req.ClientSeed)
			f, _ := fairness.HashToUnitFloat(hash)
			c.JSON(http.StatusOK, gin.H{"hash": hash, "unitFloat": f})
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusOK, report)
}

type seedRequest struct {
	CasinoID    string `json:"casinoId" binding:"required"`
	Seed        string `json:"seed" binding:"required"`
	SubmittedBy string `json:"submittedBy"`
}

// POST /v1/seeds
func (s *Server) submitSeed(c *gin.Context) {
	var req seedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Invalid("body", err.Error()))
		return
	}
	sub := storage.SeedSubmission{
		CasinoID:    req.CasinoID,
		Seed:        req.Seed,
		SubmittedBy: req.SubmittedBy,
		Timestamp:   s.deps.Now().UTC(),
	}
	if err := s.deps.Seeds.InsertSeed(c.Request.Context(), sub); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// GET /v1/seeds/:casino?limit=20
func (s *Server) listSeeds(c *gin.Context) {
	seeds, err := s.deps.Seeds.SeedsFor(c.Request.Context(), c.Param("casino"), queryLimit(c, 20))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seeds": seeds})
}

type trustResponse struct {
	trust.Record
	Engine  string   `json:"engine"`
	Band    string   `json:"band"`
	Explain []string `json:"explain"`
}

func (s *Server) trustRecord(e *trust.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		rec, ok := e.Record(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "unknown subject",
				"score": e.Policy().Start,
				"band":  e.Policy().Band(e.Policy().Start),
			})
			return
		}
		c.JSON(http.StatusOK, trustResponse{
			Record:  rec,
			Engine:  e.Policy().Name,
			Band:    e.Policy().Band(rec.Score),
			Explain: e.Explain(id, queryLimit(c, 10)),
		})
	}
}

type overrideRequest struct {
	Classification string `json:"classification" binding:"required,oneof=safe unsafe"`
	Actor          string `json:"actor"`
}

// POST /v1/trust/domains/:id/override
func (s *Server) overrideDomain(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, faults.Invalid("body", err.Error()))
		return
	}
	upd, err := s.deps.Scorer.OverrideDomain(c.Request.Context(), c.Param("id"), req.Classification == "safe", req.Actor)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, upd)
}

// GET /v1/anomalies/:casino?limit=50
func (s *Server) anomalies(c *gin.Context) {
	findings, err := s.deps.Anomalies.RecentAnomalies(c.Request.Context(), c.Param("casino"), queryLimit(c, 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": findings})
}

// GET /v1/alerts/:casino?limit=20
func (s *Server) alerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.deps.Alerts.Recent(c.Param("casino"), queryLimit(c, 20))})
}

// GET /v1/events?name=fairness.alert&limit=50
func (s *Server) events(c *gin.Context) {
	events := s.deps.Bus.History(c.Query("name"))
	if limit := queryLimit(c, 50); len(events) > limit {
		events = events[len(events)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 1000)
}
