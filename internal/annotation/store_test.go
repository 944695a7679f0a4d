package annotation

import (
	"sync"
	"testing"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"

	"github.com/vrdanmaku/danmaku/internal/metrics"
)

func TestAnnotation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Annotation Suite")
}

var _ = Describe("Record", func() {
	It("should match deletes within epsilon", func() {
		r := Record{Text: "hi", Time: 12.5, Position: "top"}
		Expect(r.Matches(12.501, "hi")).To(BeTrue())
		Expect(r.Matches(12.4995, "hi")).To(BeTrue())
		Expect(r.Matches(12.51, "hi")).To(BeFalse())
		Expect(r.Matches(12.5, "hello")).To(BeFalse())
	})

	It("should dedup on text, time and link only", func() {
		a := Record{Text: "hi", Time: 1, Position: "top", VideoLink: "urlA"}
		Expect(a.SameAs(Record{Text: "hi", Time: 1, Position: "bottom", VideoLink: "urlA"})).To(BeTrue())
		Expect(a.SameAs(Record{Text: "hi", Time: 1.0001, VideoLink: "urlA"})).To(BeFalse())
		Expect(a.SameAs(Record{Text: "hi", Time: 1, VideoLink: "urlB"})).To(BeFalse())
	})
})

var _ = Describe("Store", func() {
	var (
		fs    afero.Fs
		store *Store
		m     *metrics.Metrics
	)

	const file = "annotation_1.json"

	BeforeEach(func() {
		fs = afero.NewMemMapFs()
		m = metrics.New(prometheus.NewRegistry())
		var err error
		store, err = NewStore(fs, "data", m)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Load", func() {
		It("should return an empty list for a missing file", func() {
			records, err := store.Load(file)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).NotTo(BeNil())
			Expect(records).To(BeEmpty())
		})

		It("should report a corrupt file and leave it alone", func() {
			Expect(afero.WriteFile(fs, "data/"+file, []byte("{not json"), 0o644)).To(Succeed())

			_, err := store.Load(file)
			Expect(err).To(MatchError(ErrCorruptStore))

			err = store.Append(file, Record{Text: "hi"})
			Expect(err).To(MatchError(ErrCorruptStore))

			data, _ := afero.ReadFile(fs, "data/"+file)
			Expect(string(data)).To(Equal("{not json"))
			Expect(testutil.ToFloat64(m.StoreOperations.WithLabelValues("append", "corrupt"))).To(Equal(1.0))
		})

		It("should treat a JSON null as empty", func() {
			Expect(afero.WriteFile(fs, "data/"+file, []byte("null"), 0o644)).To(Succeed())
			records, err := store.Load(file)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())
		})
	})

	Describe("Append", func() {
		It("should add the record exactly once per call", func() {
			r := Record{Text: "hi", Time: 12.5, Position: "top", VideoLink: "urlA"}
			Expect(store.Append(file, r)).To(Succeed())

			before, err := store.Load(file)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Append(file, r)).To(Succeed())

			after, err := store.Load(file)
			Expect(err).NotTo(HaveOccurred())
			Expect(after).To(HaveLen(len(before) + 1))
			Expect(after[len(after)-1]).To(Equal(r))
		})

		It("should write a pretty-printed array", func() {
			Expect(store.Append(file, Record{Text: "hi", Time: 12.5, Position: "top"})).To(Succeed())

			data, err := afero.ReadFile(fs, "data/"+file)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(HavePrefix("[\n  {\n    \"text\": \"hi\""))

			var decoded []map[string]any
			Expect(json.Unmarshal(data, &decoded)).To(Succeed())
			Expect(decoded[0]).NotTo(HaveKey("videoLink"))
		})

		It("should leave no temp files behind", func() {
			Expect(store.Append(file, Record{Text: "a"})).To(Succeed())
			Expect(store.Append(file, Record{Text: "b"})).To(Succeed())

			infos, err := afero.ReadDir(fs, "data")
			Expect(err).NotTo(HaveOccurred())
			Expect(infos).To(HaveLen(1))
			Expect(infos[0].Name()).To(Equal(file))
		})

		It("should not lose updates under concurrent appends", func() {
			var wg sync.WaitGroup
			for i := range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					Expect(store.Append(file, Record{Text: "x", Time: float64(i)})).To(Succeed())
				}()
			}
			wg.Wait()

			records, err := store.Load(file)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(50))
		})
	})

	Describe("AppendIfAbsent", func() {
		It("should reject exact duplicates", func() {
			r := Record{Text: "hi", Time: 3, Position: "top", VideoLink: "urlA"}

			ok, err := store.AppendIfAbsent(file, r)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = store.AppendIfAbsent(file, r)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			ok, err = store.AppendIfAbsent(file, Record{Text: "hi", Time: 3, VideoLink: "urlB"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			records, _ := store.Load(file)
			Expect(records).To(HaveLen(2))
		})
	})

	Describe("RemoveMatching", func() {
		BeforeEach(func() {
			Expect(store.Save(file, []Record{
				{Text: "a", Time: 1},
				{Text: "hi", Time: 12.5},
				{Text: "hi", Time: 12.5},
			})).To(Succeed())
		})

		It("should remove the first match within epsilon and return its index", func() {
			index, err := store.RemoveMatching(file, 12.501, "hi")
			Expect(err).NotTo(HaveOccurred())
			Expect(index).To(Equal(1))

			records, _ := store.Load(file)
			Expect(records).To(HaveLen(2))
			Expect(records[1].Text).To(Equal("hi"))
		})

		It("should be a no-op when the time is too far off", func() {
			_, err := store.RemoveMatching(file, 12.51, "hi")
			Expect(err).To(MatchError(ErrRecordNotFound))

			records, _ := store.Load(file)
			Expect(records).To(HaveLen(3))
		})

		It("should be a no-op when the text differs", func() {
			_, err := store.RemoveMatching(file, 12.5, "bye")
			Expect(err).To(MatchError(ErrRecordNotFound))
			Expect(testutil.ToFloat64(m.StoreOperations.WithLabelValues("remove", "not_found"))).To(Equal(1.0))
		})
	})

	Describe("Ensure", func() {
		It("should create an empty file once", func() {
			Expect(store.Ensure("annotations.json")).To(Succeed())
			data, _ := afero.ReadFile(fs, "data/annotations.json")
			Expect(string(data)).To(Equal("[]"))

			Expect(store.Append("annotations.json", Record{Text: "kept"})).To(Succeed())
			Expect(store.Ensure("annotations.json")).To(Succeed())
			records, _ := store.Load("annotations.json")
			Expect(records).To(HaveLen(1))
		})
	})

	Describe("Files", func() {
		It("should list numbered files in numeric order", func() {
			for _, name := range []string{"annotation_10.json", "annotation_2.json", "annotations.json", "notes.txt"} {
				Expect(afero.WriteFile(fs, "data/"+name, []byte("[]"), 0o644)).To(Succeed())
			}
			names, err := store.Files()
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"annotation_2.json", "annotation_10.json"}))
			Expect(FileNumber("annotation_10.json")).To(Equal(uint64(10)))
			Expect(FileName(7)).To(Equal("annotation_7.json"))
		})
	})
})
