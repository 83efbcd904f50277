package scanning

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Error", func() {
	DescribeTable("classifyStatus",
		func(status int, want error) {
			Expect(errors.Is(classifyStatus(status, nil), want)).To(BeTrue())
		},
		Entry("unauthorized", 401, ErrAuth),
		Entry("forbidden", 403, ErrAuth),
		Entry("request timeout", 408, ErrTransient),
		Entry("rate limited", 429, ErrTransient),
		Entry("server error", 500, ErrTransient),
		Entry("bad gateway", 502, ErrTransient),
		Entry("bad request", 400, ErrRejected),
		Entry("payload too large", 413, ErrRejected),
	)

	It("should survive wrapping", func() {
		err := fmt.Errorf("extracting page 2: %w", &Error{Kind: KindAuth, Err: errors.New("bad key")})
		Expect(errors.Is(err, ErrAuth)).To(BeTrue())
		Expect(errors.Is(err, ErrTransient)).To(BeFalse())
		Expect(KindOf(err)).To(Equal(KindAuth))
		Expect(IsFatal(err)).To(BeTrue())
	})

	It("should describe itself", func() {
		err := &Error{Kind: KindTransient, Status: 503, Attempts: 4, Err: errors.New("busy")}
		Expect(err.Error()).To(Equal("transient service error (status 503): busy after 4 attempts"))
	})

	It("should return zero for foreign errors", func() {
		Expect(KindOf(errors.New("x"))).To(BeZero())
	})
})
