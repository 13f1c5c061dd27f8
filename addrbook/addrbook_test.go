package addrbook_test

import (
	"github.com/probelab/synthpeer/addrbook"
	"github.com/probelab/synthpeer/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AddrBook", func() {
	Context("when inserting endpoints", func() {
		It("should report new addresses", func() {
			book := addrbook.NewInMem()

			isNew, err := book.Insert(wire.Endpoint{Addr: "10.0.0.1:51235", Hops: 1})
			Expect(err).ToNot(HaveOccurred())
			Expect(isNew).To(BeTrue())

			isNew, err = book.Insert(wire.Endpoint{Addr: "10.0.0.2:51235", Hops: 2})
			Expect(err).ToNot(HaveOccurred())
			Expect(isNew).To(BeTrue())

			num, err := book.Num()
			Expect(err).ToNot(HaveOccurred())
			Expect(num).To(Equal(2))
		})

		It("should keep the original entry on re-advertisement", func() {
			book := addrbook.NewInMem()

			isNew, err := book.Insert(wire.Endpoint{Addr: "10.0.0.1:51235", Hops: 1})
			Expect(err).ToNot(HaveOccurred())
			Expect(isNew).To(BeTrue())

			isNew, err = book.Insert(wire.Endpoint{Addr: "10.0.0.1:51235", Hops: 9})
			Expect(err).ToNot(HaveOccurred())
			Expect(isNew).To(BeFalse())

			endpoint, ok, err := book.Get("10.0.0.1:51235")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(endpoint.Hops).To(Equal(uint32(1)))

			num, err := book.Num()
			Expect(err).ToNot(HaveOccurred())
			Expect(num).To(Equal(1))
		})
	})

	Context("when listing endpoints", func() {
		It("should return every stored endpoint", func() {
			book := addrbook.NewInMem()
			inserted := []wire.Endpoint{
				{Addr: "10.0.0.1:51235", Hops: 1},
				{Addr: "10.0.0.2:51235", Hops: 2},
				{Addr: "10.0.0.3:51235", Hops: 3},
			}
			for _, endpoint := range inserted {
				_, err := book.Insert(endpoint)
				Expect(err).ToNot(HaveOccurred())
			}

			endpoints, err := book.Endpoints()
			Expect(err).ToNot(HaveOccurred())
			Expect(endpoints).To(ConsistOf(inserted))
		})
	})

	Context("when looking up an unknown address", func() {
		It("should report not found without error", func() {
			book := addrbook.NewInMem()
			_, ok, err := book.Get("10.9.9.9:51235")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})
})
