package receipt

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutcomeKind enumerates the results of one import attempt
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeBusy      OutcomeKind = "busy"
	OutcomeFailure   OutcomeKind = "failure"
)

// Outcome is the value returned from the import pipeline. Duplicate and busy
// are not errors.
type Outcome struct {
	Kind        OutcomeKind
	Fingerprint string
	URL         string
	Rows        int
	Summary     []string
	FinishedAt  time.Time
	Err         error
}

func success(fingerprint, url string, rows int, summary []string, at time.Time) Outcome {
	return Outcome{
		Kind:        OutcomeSuccess,
		Fingerprint: fingerprint,
		URL:         url,
		Rows:        rows,
		Summary:     summary,
		FinishedAt:  at,
	}
}

func duplicate(st *ReceiptStatus) Outcome {
	o := Outcome{Kind: OutcomeDuplicate, Fingerprint: st.Fingerprint}
	if st.ImportFinishDate != nil {
		o.FinishedAt = *st.ImportFinishDate
	}
	return o
}

func busy(fingerprint string) Outcome {
	return Outcome{Kind: OutcomeBusy, Fingerprint: fingerprint}
}

func failure(fingerprint string, err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Fingerprint: fingerprint, Err: err}
}

// Code returns the taxonomy code of a failure, or the kind otherwise
func (o Outcome) Code() string {
	if o.Kind == OutcomeFailure {
		return ErrorCode(o.Err)
	}
	return string(o.Kind)
}

// Message renders the outcome for the submitter. Failures carry only the
// code and the top-level message; the full chain goes to the operator.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeSuccess:
		var b strings.Builder
		b.WriteString("Added purchases:\n\n")
		b.WriteString(strings.Join(o.Summary, "\n\n"))
		b.WriteString("\n\nLedger: ")
		b.WriteString(o.URL)
		return b.String()
	case OutcomeDuplicate:
		return fmt.Sprintf("Receipt %s was already imported on %s", o.Fingerprint, o.FinishedAt.Format("2006-01-02 15:04:05"))
	case OutcomeBusy:
		return fmt.Sprintf("Receipt %s is being imported right now, retry later", o.Fingerprint)
	default:
		return fmt.Sprintf("%s: %s", o.Code(), publicMessage(o.Err))
	}
}

// Detail is the operator-facing rendering, including the wrapped error chain
func (o Outcome) Detail() string {
	if o.Kind == OutcomeFailure && o.Err != nil {
		return fmt.Sprintf("%s: %v", o.Code(), o.Err)
	}
	return o.Message()
}

func publicMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Msg
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Op + " failed"
	}
	var se *SinkError
	if errors.As(err, &se) {
		return se.Op + " failed"
	}
	return "import failed"
}
