package fsm_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestFsm(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "fsm state set suite")
}
