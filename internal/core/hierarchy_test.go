// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/kianostad/memmgr/internal/config"
	"github.com/kianostad/memmgr/internal/monitoring/metrics"
)

func TestHierarchyCreateChild(t *testing.T) {
	Convey("Given a root manager", t, func() {
		root := NewManager(WithName("root"), WithCapacity(32))
		defer root.CloseTree()

		Convey("Children are named, linked and inherit settings", func() {
			a := root.CreateChild()
			b := root.CreateChild(WithName("b"), WithPeak(10))

			So(a.Name(), ShouldEqual, "root.1")
			So(b.Name(), ShouldEqual, "b")
			So(a.Parent(), ShouldEqual, root)
			So(root.Children(), ShouldResemble, []*Manager{a, b})
			So(a.Stats().Buckets, ShouldEqual, 32)
			So(a.Peak(), ShouldEqual, uint64(0))
			So(b.Peak(), ShouldEqual, uint64(10))

			got, ok := root.Child("b")
			So(ok, ShouldBeTrue)
			So(got, ShouldEqual, b)
			_, ok = root.Child("missing")
			So(ok, ShouldBeFalse)
		})

		Convey("A child's allocations are not charged to the parent", func() {
			c := root.CreateChild()
			_, err := Allocate[pair](c, 20)
			So(err, ShouldBeNil)
			So(c.AllocBytes(), ShouldEqual, uint64(160))
			So(root.AllocBytes(), ShouldEqual, uint64(0))
		})
	})
}

func TestHierarchyParentBudget(t *testing.T) {
	Convey("Given a parent with a 200 byte peak and an unbounded child", t, func() {
		p := NewManager(WithName("p"))
		defer p.CloseTree()
		p.SetPeak(200)
		c := p.CreateChild()

		Convey("The child is refused past the parent's peak", func() {
			_, err := Allocate[pair](c, 30)
			So(errors.Is(err, ErrPeakLimitReached), ShouldBeTrue)

			var ae *AllocError
			So(errors.As(err, &ae), ShouldBeTrue)
			So(ae.Parent, ShouldBeTrue)
			So(ae.Manager, ShouldEqual, "p")
			So(c.AllocBytes(), ShouldEqual, uint64(0))
		})

		Convey("The child may allocate within it", func() {
			_, err := Allocate[pair](c, 20)
			So(err, ShouldBeNil)
			So(c.AllocBytes(), ShouldEqual, uint64(160))
			So(p.AllocBytes(), ShouldEqual, uint64(0))
		})

		Convey("The parent's own usage counts against the child", func() {
			_, err := Allocate[pair](p, 20)
			So(err, ShouldBeNil)
			_, err = Allocate[pair](c, 6)
			So(errors.Is(err, ErrPeakLimitReached), ShouldBeTrue)
			_, err = Allocate[pair](c, 5)
			So(err, ShouldBeNil)
		})

		Convey("Only the immediate parent is consulted", func() {
			g := c.CreateChild()
			_, err := Allocate[pair](g, 30)
			So(err, ShouldBeNil)
		})
	})
}

func TestHierarchyFree(t *testing.T) {
	Convey("Given a three level hierarchy", t, func() {
		p := NewManager()
		defer p.CloseTree()
		c1 := p.CreateChild()
		c2 := p.CreateChild()
		g := c2.CreateChild()

		Convey("Free through the parent finds a child's allocation", func() {
			buf, err := Allocate[int64](c2, 4)
			So(err, ShouldBeNil)

			So(Free(p, buf), ShouldBeTrue)
			So(c2.AllocBytes(), ShouldEqual, uint64(0))
			So(p.AllocBytes(), ShouldEqual, uint64(0))
			So(Free(p, buf), ShouldBeFalse)
		})

		Convey("Free recurses to grandchildren", func() {
			buf, err := Allocate[int64](g, 4)
			So(err, ShouldBeNil)

			So(Free(p, buf), ShouldBeTrue)
			So(g.AllocCount(), ShouldEqual, uint64(0))
		})

		Convey("Free never searches upwards or sideways", func() {
			buf, err := Allocate[int64](c1, 1)
			So(err, ShouldBeNil)

			So(Free(c2, buf), ShouldBeFalse)
			So(Free(g, buf), ShouldBeFalse)
			So(c1.AllocCount(), ShouldEqual, uint64(1))
		})
	})
}

func TestHierarchyWipe(t *testing.T) {
	Convey("Given a parent, child and grandchild holding two types", t, func() {
		p := NewManager()
		defer p.CloseTree()
		c := p.CreateChild()
		g := c.CreateChild()

		for _, m := range []*Manager{p, c, g} {
			_, err := Allocate[pair](m, 1)
			So(err, ShouldBeNil)
			_, err = Allocate[pair](m, 2)
			So(err, ShouldBeNil)
			_, err = Allocate[uint16](m, 3)
			So(err, ShouldBeNil)
		}

		Convey("A shallow wipe only touches the manager itself", func() {
			So(Wipe[pair](p, false), ShouldEqual, 2)
			So(p.AllocCount(), ShouldEqual, uint64(1))
			So(p.AllocBytes(), ShouldEqual, uint64(6))
			So(c.AllocCount(), ShouldEqual, uint64(3))
		})

		Convey("A deep wipe reaches direct children only", func() {
			So(Wipe[pair](p, true), ShouldEqual, 4)

			for _, m := range []*Manager{p, c} {
				So(m.AllocCount(), ShouldEqual, uint64(1))
				So(m.AllocBytes(), ShouldEqual, uint64(6))
				for _, e := range m.Trace() {
					So(e.Type, ShouldEqual, "uint16")
				}
			}
			So(g.AllocCount(), ShouldEqual, uint64(3))
			So(g.AllocBytes(), ShouldEqual, uint64(30))
		})

		Convey("Wiping a type nobody holds is a no-op", func() {
			So(Wipe[string](p, true), ShouldEqual, 0)
			So(p.AllocCount(), ShouldEqual, uint64(3))
		})
	})
}

func TestHierarchySetParent(t *testing.T) {
	Convey("Given two roots and a child", t, func() {
		a := NewManager(WithName("a"))
		defer a.CloseTree()
		b := NewManager(WithName("b"))
		defer b.CloseTree()
		c := a.CreateChild(WithName("c"))

		Convey("SetParent moves the child", func() {
			So(c.SetParent(b), ShouldBeNil)
			So(c.Parent(), ShouldEqual, b)
			So(a.Children(), ShouldHaveLength, 0)
			So(b.Children(), ShouldResemble, []*Manager{c})

			Convey("And budgets follow the new parent", func() {
				b.SetPeak(8)
				_, err := Allocate[pair](c, 2)
				So(errors.Is(err, ErrPeakLimitReached), ShouldBeTrue)
			})
		})

		Convey("Setting the same parent twice keeps one link", func() {
			So(c.SetParent(a), ShouldBeNil)
			So(a.Children(), ShouldHaveLength, 1)
		})

		Convey("SetParent(nil) makes a root", func() {
			So(c.SetParent(nil), ShouldBeNil)
			So(c.Parent(), ShouldBeNil)
			So(a.Children(), ShouldHaveLength, 0)
			c.Close()
		})

		Convey("Cycles are refused", func() {
			g := c.CreateChild()
			So(errors.Is(a.SetParent(a), ErrHierarchyCycle), ShouldBeTrue)
			So(errors.Is(a.SetParent(g), ErrHierarchyCycle), ShouldBeTrue)
			So(a.Parent(), ShouldBeNil)
			So(g.Parent(), ShouldEqual, c)
		})

		Convey("Unregister detaches and is idempotent", func() {
			c.Unregister()
			c.Unregister()
			So(c.Parent(), ShouldBeNil)
			So(a.Children(), ShouldHaveLength, 0)
			c.Close()
		})
	})
}

func TestNewFromConfig(t *testing.T) {
	Convey("Given a configuration tree", t, func() {
		cfg, err := config.Parse([]byte(`
name: server
registry_capacity: 1000
peak: 1 KiB
log_level: "off"
metrics:
  enabled: true
  buffer_size: 16
children:
  - name: request
    peak: 512
    children:
      - name: scratch
  - name: cache
`))
		So(err, ShouldBeNil)

		Convey("NewFromConfig builds the whole tree", func() {
			root, err := NewFromConfig(cfg)
			So(err, ShouldBeNil)
			defer root.CloseTree()

			So(root.Name(), ShouldEqual, "server")
			So(root.Peak(), ShouldEqual, uint64(1024))
			So(root.Stats().Buckets, ShouldEqual, 1024)
			So(root.Metrics(), ShouldNotBeNil)

			req, ok := root.Child("request")
			So(ok, ShouldBeTrue)
			So(req.Peak(), ShouldEqual, uint64(512))
			So(req.Metrics(), ShouldEqual, root.Metrics())

			scratch, ok := req.Child("scratch")
			So(ok, ShouldBeTrue)
			So(scratch.Peak(), ShouldEqual, uint64(0))
			So(scratch.Stats().Buckets, ShouldEqual, DefaultCapacity+1)

			_, ok = root.Child("cache")
			So(ok, ShouldBeTrue)
		})

		Convey("Options override what the configuration builds", func() {
			shared := metrics.NewMetrics()
			defer shared.Close()

			root, err := NewFromConfig(cfg, WithMetrics(shared), WithPeak(0))
			So(err, ShouldBeNil)
			defer root.CloseTree()

			So(root.Metrics(), ShouldEqual, shared)
			So(root.Peak(), ShouldEqual, uint64(0))
		})

		Convey("Invalid configurations are rejected", func() {
			cfg.Children[0].Name = ""
			_, err := NewFromConfig(cfg)
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})
	})
}
