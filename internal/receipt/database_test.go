package receipt

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
		now    time.Time
		lease  time.Duration
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
		now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		lease = 10 * time.Minute
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("MarkStarted", func() {
		It("should create an in_progress row", func() {
			Expect(db.MarkStarted(testFingerprint, now)).To(Succeed())

			st, err := db.GetStatus(testFingerprint)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Status).To(Equal(StatusInProgress))
			Expect(st.ImportStartDate).To(BeTemporally("==", now))
			Expect(st.ImportFinishDate).To(BeNil())
		})

		It("should reset a finished row", func() {
			Expect(db.MarkStarted(testFingerprint, now)).To(Succeed())
			Expect(db.MarkFinished(testFingerprint, now, "fetching ticket: timeout", CodeUpstream, now)).To(Succeed())
			Expect(db.MarkStarted(testFingerprint, now.Add(time.Hour))).To(Succeed())

			st, err := db.GetStatus(testFingerprint)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Status).To(Equal(StatusInProgress))
			Expect(st.ImportStartDate).To(BeTemporally("==", now.Add(time.Hour)))
			Expect(st.ImportFinishDate).To(BeNil())
		})
	})

	Describe("Claim", func() {
		When("no row exists", func() {
			It("should create an in_progress row with one attempt", func() {
				st, err := db.Claim(testFingerprint, now, lease)
				Expect(err).NotTo(HaveOccurred())
				Expect(st.Status).To(Equal(StatusInProgress))
				Expect(st.Attempts).To(Equal(1))
			})
		})

		When("a live claim exists", func() {
			BeforeEach(func() {
				_, err := db.Claim(testFingerprint, now, lease)
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns ErrClaimed", func() {
				_, err := db.Claim(testFingerprint, now.Add(time.Minute), lease)
				Expect(err).To(MatchError(ErrClaimed))
			})

			It("should allow a new claim once the lease expires", func() {
				st, err := db.Claim(testFingerprint, now.Add(lease), lease)
				Expect(err).NotTo(HaveOccurred())
				Expect(st.Attempts).To(Equal(2))
			})
		})

		When("the previous attempt failed", func() {
			BeforeEach(func() {
				_, err := db.Claim(testFingerprint, now, lease)
				Expect(err).NotTo(HaveOccurred())
				Expect(db.MarkFinished(testFingerprint, now, "appending rows: quota", CodeSink, now)).To(Succeed())
			})

			It("should claim again and clear the finish date", func() {
				st, err := db.Claim(testFingerprint, now.Add(time.Second), lease)
				Expect(err).NotTo(HaveOccurred())
				Expect(st.Attempts).To(Equal(2))
				Expect(st.ImportFinishDate).To(BeNil())
			})
		})

		When("the row succeeded", func() {
			BeforeEach(func() {
				_, err := db.Claim(testFingerprint, now, lease)
				Expect(err).NotTo(HaveOccurred())
				Expect(db.MarkFinished(testFingerprint, now, StatusSucceeded, "", now)).To(Succeed())
			})

			It("returns ErrAlreadySucceeded", func() {
				_, err := db.Claim(testFingerprint, now.Add(time.Hour), lease)
				Expect(err).To(MatchError(ErrAlreadySucceeded))
			})
		})
	})

	Describe("FindSucceeded", func() {
		It("should return nothing for an unknown fingerprint", func() {
			st, err := db.FindSucceeded(testFingerprint)
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(BeNil())
		})

		It("should return nothing for a failed row", func() {
			Expect(db.MarkStarted(testFingerprint, now)).To(Succeed())
			Expect(db.MarkFinished(testFingerprint, now, "boom", CodeInternal, now)).To(Succeed())

			st, err := db.FindSucceeded(testFingerprint)
			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(BeNil())
		})

		It("should return a succeeded row", func() {
			Expect(db.MarkStarted(testFingerprint, now)).To(Succeed())
			Expect(db.MarkFinished(testFingerprint, now, StatusSucceeded, "", now.Add(time.Second))).To(Succeed())

			st, err := db.FindSucceeded(testFingerprint)
			Expect(err).NotTo(HaveOccurred())
			Expect(st).NotTo(BeNil())
			Expect(*st.ImportFinishDate).To(BeTemporally("==", now.Add(time.Second)))
		})
	})

	Describe("MarkFinished", func() {
		It("returns ErrStatusNotFound for an unknown fingerprint", func() {
			err := db.MarkFinished(testFingerprint, now, StatusSucceeded, "", now)
			Expect(err).To(MatchError(ErrStatusNotFound))
		})

		When("a newer attempt took over the row", func() {
			BeforeEach(func() {
				_, err := db.Claim(testFingerprint, now, lease)
				Expect(err).NotTo(HaveOccurred())
				_, err = db.Claim(testFingerprint, now.Add(lease), lease)
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns ErrLeaseLost to the stale attempt", func() {
				err := db.MarkFinished(testFingerprint, now, "fetching ticket: timeout", CodeUpstream, now.Add(lease+time.Minute))
				Expect(err).To(MatchError(ErrLeaseLost))

				st, err := db.GetStatus(testFingerprint)
				Expect(err).NotTo(HaveOccurred())
				Expect(st.Status).To(Equal(StatusInProgress))
				Expect(st.ImportStartDate).To(BeTemporally("==", now.Add(lease)))
			})

			It("should never overwrite the newer attempt's success", func() {
				Expect(db.MarkFinished(testFingerprint, now.Add(lease), StatusSucceeded, "", now.Add(lease+time.Second))).To(Succeed())

				err := db.MarkFinished(testFingerprint, now, "fetching ticket: timeout", CodeUpstream, now.Add(lease+time.Minute))
				Expect(err).To(MatchError(ErrLeaseLost))

				st, err := db.FindSucceeded(testFingerprint)
				Expect(err).NotTo(HaveOccurred())
				Expect(st).NotTo(BeNil())
			})
		})
	})

	Describe("GetStatus", func() {
		It("returns ErrStatusNotFound for an unknown fingerprint", func() {
			_, err := db.GetStatus(testFingerprint)
			Expect(err).To(MatchError(ErrStatusNotFound))
		})
	})

	Describe("ListUnresolved", func() {
		BeforeEach(func() {
			Expect(db.MarkStarted(testFingerprint, now)).To(Succeed())
			Expect(db.MarkFinished(testFingerprint, now, StatusSucceeded, "", now)).To(Succeed())
			Expect(db.MarkStarted(otherFingerprint, now)).To(Succeed())
			Expect(db.MarkFinished(otherFingerprint, now, "fetching ticket: timeout", CodeUpstream, now)).To(Succeed())
		})

		It("should return only rows that have not succeeded", func() {
			unresolved, err := db.ListUnresolved()
			Expect(err).NotTo(HaveOccurred())
			Expect(unresolved).To(HaveLen(1))
			Expect(unresolved[0].Fingerprint).To(Equal(otherFingerprint))
			Expect(unresolved[0].ErrorCode).To(Equal(CodeUpstream))
		})

		It("should keep all rows in ListStatuses", func() {
			statuses, err := db.ListStatuses()
			Expect(err).NotTo(HaveOccurred())
			Expect(statuses).To(HaveLen(2))
		})
	})

	Describe("persistence", func() {
		It("should keep rows across reopen", func() {
			Expect(db.MarkStarted(testFingerprint, now)).To(Succeed())
			Expect(db.Close()).To(Succeed())

			var err error
			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())

			st, err := db.GetStatus(testFingerprint)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Fingerprint).To(Equal(testFingerprint))
		})
	})
})
