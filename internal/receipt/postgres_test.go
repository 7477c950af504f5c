package receipt

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("PostgresStore", func() {
	var (
		store *PostgresStore
		now   time.Time
		lease time.Duration
	)

	BeforeEach(func() {
		dsn := os.Getenv("RECEIPT_LEDGER_TEST_DATABASE_URL")
		if dsn == "" {
			Skip("RECEIPT_LEDGER_TEST_DATABASE_URL not set")
		}

		var err error
		store, err = NewPostgresStore(context.Background(), dsn)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.db.Exec(`truncate statuses`)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		lease = 10 * time.Minute
	})

	It("should claim a new fingerprint once", func() {
		st, err := store.Claim(testFingerprint, now, lease)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Attempts).To(Equal(1))

		_, err = store.Claim(testFingerprint, now.Add(time.Minute), lease)
		Expect(err).To(MatchError(ErrClaimed))
	})

	It("should reclaim a stale lease", func() {
		_, err := store.Claim(testFingerprint, now, lease)
		Expect(err).NotTo(HaveOccurred())

		st, err := store.Claim(testFingerprint, now.Add(lease), lease)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Attempts).To(Equal(2))
	})

	It("should refuse to claim a succeeded fingerprint", func() {
		_, err := store.Claim(testFingerprint, now, lease)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.MarkFinished(testFingerprint, now, StatusSucceeded, "", now)).To(Succeed())

		_, err = store.Claim(testFingerprint, now.Add(time.Hour), lease)
		Expect(err).To(MatchError(ErrAlreadySucceeded))

		st, err := store.FindSucceeded(testFingerprint)
		Expect(err).NotTo(HaveOccurred())
		Expect(st).NotTo(BeNil())
	})

	It("should fence a stale attempt out of a newer success", func() {
		_, err := store.Claim(testFingerprint, now, lease)
		Expect(err).NotTo(HaveOccurred())
		st, err := store.Claim(testFingerprint, now.Add(lease), lease)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.MarkFinished(testFingerprint, st.ImportStartDate, StatusSucceeded, "", now.Add(lease))).To(Succeed())

		err = store.MarkFinished(testFingerprint, now, "fetching ticket: timeout", CodeUpstream, now.Add(lease))
		Expect(err).To(MatchError(ErrLeaseLost))

		found, err := store.FindSucceeded(testFingerprint)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).NotTo(BeNil())
	})

	It("should list unresolved rows", func() {
		Expect(store.MarkStarted(testFingerprint, now)).To(Succeed())
		Expect(store.MarkFinished(testFingerprint, now, "fetching ticket: timeout", CodeUpstream, now)).To(Succeed())
		Expect(store.MarkStarted(otherFingerprint, now)).To(Succeed())
		Expect(store.MarkFinished(otherFingerprint, now, StatusSucceeded, "", now)).To(Succeed())

		unresolved, err := store.ListUnresolved()
		Expect(err).NotTo(HaveOccurred())
		Expect(unresolved).To(HaveLen(1))
		Expect(unresolved[0].ErrorCode).To(Equal(CodeUpstream))
	})

	It("returns ErrStatusNotFound for unknown fingerprints", func() {
		_, err := store.GetStatus(testFingerprint)
		Expect(err).To(MatchError(ErrStatusNotFound))
		Expect(store.MarkFinished(testFingerprint, now, StatusSucceeded, "", now)).To(MatchError(ErrStatusNotFound))
	})
})
