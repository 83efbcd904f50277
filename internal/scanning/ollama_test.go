package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server   *ghttp.Server
		provider *Ollama
		body     map[string]any
		text     string
		err      error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		provider, err = NewOllama(server.URL(), "qwen2.5vl:7b")
		Expect(err).NotTo(HaveOccurred())
		body = nil
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		text, err = provider.Complete(context.Background(), &Request{
			Image:        []byte{1, 2, 3},
			MIMEType:     "image/png",
			Instructions: "extract rows",
			Prompt:       "page.png",
			Schema:       StatementSchema,
		})
	})

	When("the model answers", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					raw, _ := io.ReadAll(r.Body)
					Expect(json.Unmarshal(raw, &body)).To(Succeed())
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"message": map[string]any{"role": "assistant", "content": oneRow},
					"done":    true,
				}),
			))
		})

		It("should return the message content", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(oneRow))
		})

		It("should attach the image to the user message", func() {
			messages := body["messages"].([]any)
			user := messages[1].(map[string]any)
			Expect(user["images"]).To(Equal([]any{"AQID"}))
		})

		It("should constrain the output format to the schema", func() {
			format := body["format"].(map[string]any)
			Expect(format["required"]).To(Equal([]any{"transactions"}))
			Expect(body["stream"]).To(BeFalse())
		})
	})

	When("the model is not pulled", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error":"model not found"}`))
		})

		It("should return a rejection carrying the body", func() {
			Expect(errors.Is(err, ErrRejected)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("model not found"))
		})
	})

	When("the server is overloaded", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, `busy`))
		})

		It("should return a transient error", func() {
			Expect(errors.Is(err, ErrTransient)).To(BeTrue())
		})
	})
})
