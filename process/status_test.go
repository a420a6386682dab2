package process_test

import (
	. "github.com/cadenza-io/cadenza/process"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Status", func() {
	Describe("func IsTerminal()", func() {
		It("classifies the statuses", func() {
			Expect(New.IsTerminal()).To(BeFalse())
			Expect(Ready.IsTerminal()).To(BeFalse())
			Expect(Active.IsTerminal()).To(BeFalse())
			Expect(Suspended.IsTerminal()).To(BeFalse())
			Expect(CompletedOK.IsTerminal()).To(BeTrue())
			Expect(CompletedFault.IsTerminal()).To(BeTrue())
			Expect(Terminated.IsTerminal()).To(BeTrue())
		})
	})

	Describe("func CanExecute()", func() {
		It("permits execution only before a terminal or suspended state", func() {
			Expect(New.CanExecute()).To(BeTrue())
			Expect(Ready.CanExecute()).To(BeTrue())
			Expect(Active.CanExecute()).To(BeTrue())
			Expect(Suspended.CanExecute()).To(BeFalse())
			Expect(Terminated.CanExecute()).To(BeFalse())
		})
	})
})

var _ = Describe("func ValidTransition()", func() {
	It("permits the lifecycle edges", func() {
		Expect(ValidTransition(New, Ready)).To(BeTrue())
		Expect(ValidTransition(Ready, Active)).To(BeTrue())
		Expect(ValidTransition(Active, CompletedOK)).To(BeTrue())
		Expect(ValidTransition(Active, CompletedFault)).To(BeTrue())
		Expect(ValidTransition(New, Terminated)).To(BeTrue())
	})

	It("permits suspension from any non-terminal status and resume back", func() {
		Expect(ValidTransition(New, Suspended)).To(BeTrue())
		Expect(ValidTransition(Active, Suspended)).To(BeTrue())
		Expect(ValidTransition(Suspended, Active)).To(BeTrue())
		Expect(ValidTransition(Suspended, Terminated)).To(BeTrue())
	})

	It("rejects leaving a terminal status", func() {
		Expect(ValidTransition(CompletedOK, Active)).To(BeFalse())
		Expect(ValidTransition(Terminated, Suspended)).To(BeFalse())
	})

	It("rejects moving backwards", func() {
		Expect(ValidTransition(Active, New)).To(BeFalse())
		Expect(ValidTransition(Ready, New)).To(BeFalse())
	})
})
