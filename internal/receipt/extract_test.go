package receipt

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("Extract", func() {
	var (
		raw        string
		extraction *Extraction
		err        error
	)

	JustBeforeEach(func() {
		extraction, err = Extract([]byte(raw))
	})

	When("the record is a single object", func() {
		BeforeEach(func() {
			raw = testTicket
		})

		It("should produce one row per item", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(extraction.Rows).To(HaveLen(2))
		})

		It("should scale money from minor units", func() {
			milk := extraction.Rows[0]
			Expect(milk.Name).To(Equal("Milk"))
			Expect(milk.Price.Equal(decimal.NewFromInt(120))).To(BeTrue())
			Expect(milk.Quantity.Equal(decimal.NewFromInt(2))).To(BeTrue())
			Expect(milk.Sum.Equal(decimal.NewFromInt(240))).To(BeTrue())
		})

		It("should describe the seller with its tax id", func() {
			Expect(extraction.Rows[0].Seller).To(Equal("Corner Shop (inn: 7700000000)"))
			Expect(extraction.Rows[0].Category).To(BeEmpty())
		})

		It("should derive the month key from the transaction date", func() {
			Expect(extraction.MonthKey).To(Equal("2024-01"))
		})

		It("should summarize each item", func() {
			Expect(extraction.Summary).To(Equal([]string{
				"Milk\n x2 = 240.00",
				"Bread\n x1 = 50.00",
			}))
		})
	})

	When("the record is a list", func() {
		BeforeEach(func() {
			raw = "[" + testTicket + "," + string(ticketFor(otherFingerprint, "2024-02-01T10:00")) + "]"
		})

		It("should concatenate the items of every ticket", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(extraction.Rows).To(HaveLen(3))
			Expect(extraction.Rows[2].Name).To(Equal("Bun"))
		})

		It("should take the month key from the first ticket", func() {
			Expect(extraction.MonthKey).To(Equal("2024-01"))
		})
	})

	When("quantities are fractional", func() {
		BeforeEach(func() {
			raw = `{"query": {"date": "20240305T0915"}, "organization": {"name": "Market", "inn": "1"},
				"ticket": {"document": {"receipt": {"items": [{"name": "Apples", "price": 9990, "quantity": 1.25, "sum": 12488}]}}}}`
		})

		It("should keep the exact quantity", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(extraction.Summary).To(Equal([]string{"Apples\n x1.25 = 124.88"}))
			Expect(extraction.MonthKey).To(Equal("2024-03"))
		})
	})

	When("the ticket has no items", func() {
		BeforeEach(func() {
			raw = `{"query": {"date": "2024-01-01T12:00"}, "organization": {"name": "Shop", "inn": "1"},
				"ticket": {"document": {"receipt": {"items": []}}}}`
		})

		It("should produce no rows", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(extraction.Rows).To(BeEmpty())
		})
	})
})

var _ = Describe("Extract validation", func() {
	DescribeTable("rejecting incomplete records",
		func(record string, missing string) {
			_, err := Extract([]byte(record))
			Expect(err).To(HaveOccurred())
			Expect(ErrorCode(err)).To(Equal(CodeValidation))
			Expect(err.Error()).To(ContainSubstring(missing))
		},
		Entry("no date", `{"organization": {"name": "Shop", "inn": "1"}, "ticket": {"document": {"receipt": {"items": []}}}}`, "query.date"),
		Entry("no seller", `{"query": {"date": "2024-01-01T12:00"}, "ticket": {"document": {"receipt": {"items": []}}}}`, "organization.name"),
		Entry("no tax id", `{"query": {"date": "2024-01-01T12:00"}, "organization": {"name": "Shop"}, "ticket": {"document": {"receipt": {"items": []}}}}`, "organization.inn"),
		Entry("no items", `{"query": {"date": "2024-01-01T12:00"}, "organization": {"name": "Shop", "inn": "1"}}`, "items"),
		Entry("item without sum", `{"query": {"date": "2024-01-01T12:00"}, "organization": {"name": "Shop", "inn": "1"},
			"ticket": {"document": {"receipt": {"items": [{"name": "Milk", "price": 100, "quantity": 1}]}}}}`, "item 0: missing sum"),
		Entry("unparseable date", `{"query": {"date": "yesterday"}, "organization": {"name": "Shop", "inn": "1"},
			"ticket": {"document": {"receipt": {"items": []}}}}`, "unrecognized transaction date"),
		Entry("not JSON", `ticket`, "unexpected ticket format"),
		Entry("empty list", `[]`, "empty ticket list"),
		Entry("empty input", ``, "empty ticket record"),
	)
})

var _ = Describe("FingerprintFromRecord", func() {
	It("should read the qr field", func() {
		fp, err := FingerprintFromRecord([]byte(testTicket))
		Expect(err).NotTo(HaveOccurred())
		Expect(fp).To(Equal(testFingerprint))
	})

	It("should read the first qr field of a list", func() {
		fp, err := FingerprintFromRecord([]byte("[" + string(ticketFor(otherFingerprint, "2024-02-01T10:00")) + "]"))
		Expect(err).NotTo(HaveOccurred())
		Expect(fp).To(Equal(otherFingerprint))
	})

	It("should reject a malformed qr field", func() {
		_, err := FingerprintFromRecord([]byte(`{"qr": "hello"}`))
		Expect(ErrorCode(err)).To(Equal(CodeValidation))
	})
})

var _ = Describe("NormalizeFingerprint", func() {
	It("should trim surrounding whitespace", func() {
		fp, err := NormalizeFingerprint("  " + testFingerprint + "\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(fp).To(Equal(testFingerprint))
	})

	It("should accept an integer total", func() {
		_, err := NormalizeFingerprint("t=20240101T1200&s=100&fn=1&i=1&fp=1&n=1")
		Expect(err).NotTo(HaveOccurred())
	})

	DescribeTable("rejecting malformed input",
		func(input, message string) {
			_, err := NormalizeFingerprint(input)
			Expect(err).To(HaveOccurred())
			Expect(ErrorCode(err)).To(Equal(CodeValidation))
			Expect(err.Error()).To(Equal(message))
		},
		Entry("empty", "   ", "empty receipt string"),
		Entry("free text", "not-a-qr-string", "this does not look like a receipt QR string"),
		Entry("missing field", "t=20240101T1200&s=100.00&fn=1&i=1&fp=1", "this does not look like a receipt QR string"),
		Entry("trailing data", testFingerprint+"&x=1", "this does not look like a receipt QR string"),
	)
})

var _ = Describe("Outcome", func() {
	It("should map errors onto the taxonomy", func() {
		Expect(ErrorCode(&ValidationError{Msg: "bad"})).To(Equal(CodeValidation))
		Expect(ErrorCode(&UpstreamError{Op: "fetching ticket"})).To(Equal(CodeUpstream))
		Expect(ErrorCode(&SinkError{Op: "appending rows"})).To(Equal(CodeSink))
		Expect(ErrorCode(ErrStatusNotFound)).To(Equal(CodeInternal))
	})

	It("should list purchases and the ledger on success", func() {
		o := success(testFingerprint, "https://sheets.test/2024-01", 1, []string{"Milk\n x2 = 240.00"}, newFakeClock().Now())
		Expect(o.Message()).To(Equal("Added purchases:\n\nMilk\n x2 = 240.00\n\nLedger: https://sheets.test/2024-01"))
		Expect(o.Code()).To(Equal("success"))
	})

	It("should not expose wrapped causes to submitters", func() {
		o := failure(testFingerprint, &SinkError{Op: "appending rows", Err: errors.New("secret")})
		Expect(o.Message()).To(Equal("sink: appending rows failed"))
		Expect(o.Detail()).To(ContainSubstring("secret"))
	})
})
