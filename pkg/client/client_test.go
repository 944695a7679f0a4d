package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/vrdanmaku/danmaku/config"
	"github.com/vrdanmaku/danmaku/internal/annotation"
	"github.com/vrdanmaku/danmaku/internal/app"
	"github.com/vrdanmaku/danmaku/internal/catalog"
	"github.com/vrdanmaku/danmaku/internal/ws"
)

func TestClient(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Client Suite")
}

var _ = Describe("Client", func() {
	var (
		a      *app.App
		srv    *httptest.Server
		wsURL  string
		cancel context.CancelFunc
	)

	start := func(mutate func(*config.Config)) {
		cfg := config.Default()
		cfg.Metrics.Enabled = false
		if mutate != nil {
			mutate(cfg)
		}
		var err error
		a, err = app.New(cfg, afero.NewMemMapFs())
		Expect(err).NotTo(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go func() { _ = a.Hub.Run(ctx) }()

		srv = httptest.NewServer(a.Handler)
		wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	}

	connect := func() *Client {
		c := NewClient(wsURL)
		Expect(c.Connect(context.Background())).To(Succeed())
		Expect(c.Run()).To(Succeed())
		DeferCleanup(func() { _ = c.Close() })
		Eventually(c.Welcome).Should(Equal(ws.WelcomeText))
		return c
	}

	AfterEach(func() {
		cancel()
		srv.Close()
		Expect(a.Close()).To(Succeed())
	})

	Context("partitioned channels", func() {
		BeforeEach(func() {
			start(nil)
		})

		It("should replay, append and delete in step with the server", func() {
			alice := connect()
			Expect(alice.SelectVideo(1, "urlA")).To(Succeed())
			Expect(alice.Annotate("hi", 12.5, "top")).To(Succeed())
			Eventually(alice.Annotations).Should(HaveLen(1))

			bob := connect()
			Expect(bob.SelectVideo(1, "urlA")).To(Succeed())
			Eventually(bob.Annotations).Should(ConsistOf(annotation.Record{Text: "hi", Time: 12.5, Position: "top", VideoLink: "urlA"}))

			Expect(bob.Delete("hi", 12.501)).To(Succeed())
			Eventually(alice.Annotations).Should(BeEmpty())
			Eventually(bob.Annotations).Should(BeEmpty())
		})

		It("should not mix other channels into the local list", func() {
			alice, bob := connect(), connect()
			Expect(alice.SelectVideo(1, "urlA")).To(Succeed())
			Expect(bob.SelectVideo(1, "urlB")).To(Succeed())

			events := make(chan string, 8)
			bob.OnEvent(func(m ws.Message) { events <- m.Type })

			Expect(alice.Annotate("for A", 1, "top")).To(Succeed())
			Eventually(alice.Annotations).Should(HaveLen(1))
			Eventually(events).Should(Receive(Equal("new_annotation")))
			Expect(bob.Annotations()).To(BeEmpty())
		})

		It("should ignore deletes made on other channels", func() {
			alice, bob := connect(), connect()
			Expect(alice.SelectVideo(1, "urlA")).To(Succeed())
			Expect(bob.SelectVideo(1, "urlB")).To(Succeed())

			Expect(bob.Annotate("for B", 1, "top")).To(Succeed())
			Eventually(bob.Annotations).Should(HaveLen(1))
			Expect(alice.Annotate("for A", 1, "top")).To(Succeed())
			Eventually(alice.Annotations).Should(HaveLen(1))

			events := make(chan string, 8)
			bob.OnEvent(func(m ws.Message) { events <- m.Type })

			Expect(alice.Delete("for A", 1)).To(Succeed())
			Eventually(alice.Annotations).Should(BeEmpty())
			Eventually(events).Should(Receive(Equal("annotation_deleted")))
			Expect(bob.Annotations()).To(ConsistOf(annotation.Record{Text: "for B", Time: 1, Position: "top", VideoLink: "urlB"}))
		})

		It("should hear about catalog changes", func() {
			alice := connect()
			Expect(alice.RequestVideoList()).To(Succeed())

			_, err := a.Catalog.Create(catalog.Upload{Name: "clip", Filename: "clip.mp4", Body: strings.NewReader("x")})
			Expect(err).NotTo(HaveOccurred())

			Eventually(alice.Videos, 2*time.Second).Should(HaveLen(1))
			Expect(alice.Videos()[0].Name).To(Equal("clip"))
		})
	})

	Context("global channel", func() {
		BeforeEach(func() {
			start(func(cfg *config.Config) {
				cfg.Annotations.Mode = "global"
				cfg.Annotations.Dedup = true
			})
		})

		It("should receive the replay on connect and drop duplicates", func() {
			alice := connect()
			Expect(alice.Annotate("dup", 2, "top")).To(Succeed())
			Expect(alice.Annotate("dup", 2, "top")).To(Succeed())
			Expect(alice.Annotate("after", 3, "top")).To(Succeed())
			Eventually(alice.Annotations).Should(HaveLen(2))

			bob := connect()
			Eventually(bob.Annotations).Should(HaveLen(2))
			Expect(bob.Annotations()[0].Text).To(Equal("dup"))
		})
	})
})
