package scanning

import (
	"errors"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ = Describe("geminiError", func() {
	DescribeTable("status mapping",
		func(err error, want error) {
			Expect(errors.Is(geminiError(err), want)).To(BeTrue())
		},
		Entry("unauthenticated", status.Error(codes.Unauthenticated, "no"), ErrAuth),
		Entry("permission denied", status.Error(codes.PermissionDenied, "no"), ErrAuth),
		Entry("invalid key", status.Error(codes.InvalidArgument, "API key not valid. Please pass a valid API key."), ErrAuth),
		Entry("bad argument", status.Error(codes.InvalidArgument, "image too large"), ErrRejected),
		Entry("quota", status.Error(codes.ResourceExhausted, "quota"), ErrTransient),
		Entry("unavailable", status.Error(codes.Unavailable, "overloaded"), ErrTransient),
		Entry("blocked", &genai.BlockedError{}, ErrRejected),
	)

	It("should leave errors without a status unclassified", func() {
		err := geminiError(errors.New("dial tcp: i/o timeout"))
		Expect(KindOf(err)).To(BeZero())
		Expect(err).To(MatchError(ContainSubstring("generating content")))
	})
})
