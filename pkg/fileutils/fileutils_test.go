package fileutils_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fileutils"
)

func TestFileutils(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "fileutils suite")
}

var _ = Describe("atomic whole-file writes", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "fileutils-test-")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("creates the file on first write and no temp file is left behind", func() {
		target := filepath.Join(dir, "state.bin")
		Expect(fileutils.WriteFileAtomic(target, []byte("hello"), 0o600)).To(Succeed())

		data, err := fileutils.ReadFile(target)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("hello")))

		entries, err := os.ReadDir(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Name()).To(Equal("state.bin"))
	})

	It("atomically replaces an existing file's contents", func() {
		target := filepath.Join(dir, "state.bin")
		Expect(fileutils.WriteFileAtomic(target, []byte("v1"), 0o600)).To(Succeed())
		Expect(fileutils.WriteFileAtomic(target, []byte("v2-longer-payload"), 0o600)).To(Succeed())

		data, err := fileutils.ReadFile(target)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("v2-longer-payload")))
	})

	It("reports Exists correctly before and after a write", func() {
		target := filepath.Join(dir, "state.bin")
		Expect(fileutils.Exists(target)).To(BeFalse())
		Expect(fileutils.WriteFileAtomic(target, []byte("x"), 0o600)).To(Succeed())
		Expect(fileutils.Exists(target)).To(BeTrue())
	})
})
