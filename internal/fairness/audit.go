package fairness

// Bet is one recorded round submitted for audit.
type Bet struct {
	ID            string   `json:"id"`
	Game          Game     `json:"game"`
	CommittedSeed string   `json:"committed_seed"`
	SubjectID     string   `json:"subject_id"`
	ClientSeed    string   `json:"client_seed"`
	ReportedHash  string   `json:"reported_hash,omitempty"`
	Observed      *float64 `json:"observed,omitempty"`
	HouseEdge     float64  `json:"house_edge,omitempty"`
}

// AuditResult pairs a bet with its verification.
type AuditResult struct {
	BetID        string       `json:"bet_id"`
	Verification Verification `json:"verification"`
	Error        string       `json:"error,omitempty"`
}

// AuditReport summarises a batch audit.
type AuditReport struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Weak     int           `json:"weak"`
	Skipped  int           `json:"skipped"`
	Results  []AuditResult `json:"results"`
	PassRate float64       `json:"pass_rate"`
}

// Audit verifies every bet, preferring the reported digest and falling back
// to the observed result. Bets offering neither are skipped.
func Audit(bets []Bet, epsilon float64) AuditReport {
	report := AuditReport{Total: len(bets), Results: make([]AuditResult, 0, len(bets))}
	for _, bet := range bets {
		res := AuditResult{BetID: bet.ID}
		switch {
		case bet.ReportedHash != "":
			res.Verification = Verification{
				Mode:  ModeHash,
				Valid: Verify(bet.ReportedHash, bet.CommittedSeed, bet.SubjectID, bet.ClientSeed),
				Hash:  GenerateOutcomeHash(bet.CommittedSeed, bet.SubjectID, bet.ClientSeed),
			}
		case bet.Observed != nil:
			v, err := VerifyObserved(*bet.Observed, bet.CommittedSeed, bet.SubjectID, bet.ClientSeed, bet.Game, bet.HouseEdge, epsilon)
			if err != nil {
				res.Error = err.Error()
				report.Skipped++
				report.Results = append(report.Results, res)
				continue
			}
			res.Verification = v
			report.Weak++
		default:
			res.Error = "bet carries neither reported hash nor observed result"
			report.Skipped++
			report.Results = append(report.Results, res)
			continue
		}

		if res.Verification.Valid {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Results = append(report.Results, res)
	}

	if checked := report.Passed + report.Failed; checked > 0 {
		report.PassRate = float64(report.Passed) / float64(checked)
	}
	return report
}
