package receipt_test

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/option"

	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/notify"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/ticket"
)

const (
	integrationFingerprint = "t=20240315T1830&s=289.50&fn=7380440700076549&i=41955&fp=2857405491&n=1"
	integrationTicket      = `{
  "qr": "t=20240315T1830&s=289.50&fn=7380440700076549&i=41955&fp=2857405491&n=1",
  "query": {"date": "2024-03-15T18:30"},
  "organization": {"name": "Grocery", "inn": "5000000000"},
  "ticket": {"document": {"receipt": {"items": [
    {"name": "Coffee", "price": 23950, "quantity": 1, "sum": 23950},
    {"name": "Sugar", "price": 4950, "quantity": 1, "sum": 4950}
  ]}}}
}`
	sheetURL = "https://docs.google.com/spreadsheets/d/sheet-1"
)

var _ = Describe("Integration", func() {
	var (
		ctx        context.Context
		tempDir    string
		nalog      *ghttp.Server
		google     *ghttp.Server
		inbound    *ghttp.Server
		store      *receipt.BoltDB
		archiveDir string
	)

	nalogHandlers := func() []http.HandlerFunc {
		return []http.HandlerFunc{
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/v2/ticket"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"id": "ticket-1"}),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("GET", "/v2/tickets/ticket-1"),
				ghttp.RespondWith(http.StatusOK, integrationTicket),
			),
		}
	}

	googleHandlers := func() []http.HandlerFunc {
		return []http.HandlerFunc{
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("GET", "/files"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{"files": []interface{}{}}),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/v4/spreadsheets"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{
					"spreadsheetId":  "sheet-1",
					"spreadsheetUrl": sheetURL,
				}),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", HaveSuffix("values:batchUpdate")),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{"spreadsheetId": "sheet-1"}),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", HaveSuffix(":append")),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{"spreadsheetId": "sheet-1"}),
			),
		}
	}

	submit := func() (*http.Response, map[string]interface{}) {
		resp, err := http.Post(inbound.URL()+"/api/receipts/text", "application/json",
			strings.NewReader(`{"fingerprint": "`+integrationFingerprint+`"}`))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		var body map[string]interface{}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		return resp, body
	}

	BeforeEach(func() {
		ctx = context.Background()
		tempDir = GinkgoT().TempDir()
		archiveDir = filepath.Join(tempDir, "tickets")

		nalog = ghttp.NewServer()
		nalog.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("POST", "/v2/mobile/users/lkfl/auth"),
			ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{"sessionId": "session-1"}),
		))
		google = ghttp.NewServer()
		inbound = ghttp.NewServer()

		var err error
		store, err = receipt.NewBoltDB(filepath.Join(tempDir, "status.db"))
		Expect(err).NotTo(HaveOccurred())
		archive, err := receipt.NewLocalArchive(archiveDir)
		Expect(err).NotTo(HaveOccurred())

		sink, err := ledger.NewSheets(ctx, "", ledger.DefaultSchema,
			option.WithEndpoint(google.URL()+"/"),
			option.WithHTTPClient(http.DefaultClient),
		)
		Expect(err).NotTo(HaveOccurred())

		fetcher := ticket.NewClient(ticket.Config{
			BaseURL:       nalog.URL(),
			INN:           "7700000000",
			Password:      "secret",
			ClientSecret:  "client",
			RetryInterval: time.Millisecond,
			MaxTries:      1,
		})

		service := receipt.NewService(receipt.Dependencies{
			Store:    store,
			Fetcher:  fetcher,
			Sink:     sink,
			Archive:  archive,
			Notifier: notify.Log{},
		}, receipt.Options{})
		recovery := receipt.NewRecovery(service, receipt.RecoveryOptions{})

		server := receipt.NewServer(service, recovery, receipt.BasicAuth{})
		handler := server.Handler().ServeHTTP
		inbound.AppendHandlers(handler, handler)
	})

	AfterEach(func() {
		nalog.Close()
		google.Close()
		inbound.Close()
		store.Close()
	})

	When("a new receipt is submitted twice", func() {
		BeforeEach(func() {
			nalog.AppendHandlers(nalogHandlers()...)
			google.AppendHandlers(googleHandlers()...)
		})

		It("should append once and report the duplicate", func() {
			resp, body := submit()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(body["url"]).To(Equal(sheetURL))
			Expect(body["rows"]).To(BeNumerically("==", 2))

			resp, body = submit()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["outcome"]).To(Equal("duplicate"))

			Expect(nalog.ReceivedRequests()).To(HaveLen(3))
			Expect(google.ReceivedRequests()).To(HaveLen(4))
		})

		It("should archive the raw ticket", func() {
			submit()
			entries, err := os.ReadDir(archiveDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		It("should leave a succeeded status row", func() {
			submit()
			st, err := store.GetStatus(integrationFingerprint)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Succeeded()).To(BeTrue())
		})
	})

	When("the ticket service is down during submission", func() {
		BeforeEach(func() {
			nalog.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "maintenance"))
		})

		It("should fail the submission and recover on the next sweep", func() {
			resp, body := submit()
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(body["code"]).To(Equal(receipt.CodeUpstream))

			nalog.AppendHandlers(nalogHandlers()...)
			google.AppendHandlers(googleHandlers()...)

			sweep, err := http.Post(inbound.URL()+"/api/recovery/sweep", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			defer sweep.Body.Close()
			Expect(sweep.StatusCode).To(Equal(http.StatusOK))

			st, err := store.GetStatus(integrationFingerprint)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Succeeded()).To(BeTrue())
			Expect(st.Attempts).To(Equal(2))
		})
	})
})
