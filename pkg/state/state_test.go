package state_test

import (
	"context"
	"errors"
	"strings"
	"syscall"

	"github.com/kairos-io/overlayfs/internal/constants"
	"github.com/kairos-io/overlayfs/pkg/dag"
	"github.com/kairos-io/overlayfs/pkg/schema"
	"github.com/kairos-io/overlayfs/pkg/state"
	"github.com/kairos-io/overlayfs/tests/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
	"golang.org/x/sys/unix"
)

const (
	base    = "/data/adb/overlay"
	staging = "/mnt/overlayfs_test"
)

var _ = Describe("overlay session", func() {
	var fs vfs.FS
	var cleanup func()
	var err error
	var mounter *mocks.FakeMounter
	var records []schema.MountRecord
	var s *state.State
	var raw func(string) string
	var dev func(string) uint64

	run := func() error {
		g := herd.DAG(herd.EnableInit)
		Expect(dag.RegisterOverlay(s, g)).To(Succeed())
		return dag.Run(context.Background(), s, g)
	}
	paths := func(units []schema.MountUnit) []string {
		var p []string
		for _, u := range units {
			p = append(p, u.Path)
		}
		return p
	}
	overlayFails := func(c mocks.Call) error {
		if c.Kind == mocks.CallMount && c.Type == "overlay" && c.Option("upperdir") != "" {
			return unix.EINVAL
		}
		return nil
	}

	BeforeEach(func() {
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/system/app/Foo/Foo.apk":      "apk",
			"/system/priv-app/Bar/Bar.apk": "apk",
			"/system/build.prop":           "ro.build.type=user",
			"/vendor/lib/libfoo.so":        "elf",
			"/vendor/etc/init/foo.rc":      "service",
			"/data/magisk/.keep":           "",
			base:                           &vfst.Dir{Perm: 0o755},
			"/mnt":                         &vfst.Dir{Perm: 0o755},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(fs.Symlink("/system/app", "/system/app-link")).To(Succeed())

		raw = func(p string) string {
			r, err := fs.RawPath(p)
			Expect(err).ToNot(HaveOccurred())
			return r
		}
		dev = func(p string) uint64 {
			info, err := fs.Stat(p)
			Expect(err).ToNot(HaveOccurred())
			return uint64(info.Sys().(*syscall.Stat_t).Dev)
		}
		records = []schema.MountRecord{
			{Target: "/vendor", Device: dev("/vendor"), FSType: "erofs"},
			{Target: "/system/app/Foo", Device: dev("/system/app/Foo"), FSType: "ext4"},
		}
		mounter = &mocks.FakeMounter{}
		s = &state.State{
			FS:          fs,
			Mounter:     mounter,
			Logger:      zerolog.Nop(),
			Base:        base,
			Mode:        schema.ReadOnly,
			StagingBase: "/mnt",
			Roots:       constants.SystemRoots(),
			MountTable: func() ([]schema.MountRecord, error) {
				return records, nil
			},
			NameGenerator: func(prefix string) (string, error) {
				return prefix + "test", nil
			},
		}
	})
	AfterEach(func() {
		cleanup()
	})

	Context("staging layout", func() {
		It("turns first level dirs of every root into units", func() {
			Expect(run()).To(Succeed())
			Expect(s.Plan().Paths()).To(Equal([]string{"/system", "/vendor", "/system/app/Foo"}))
			Expect(paths(s.Subdirectories())).To(Equal([]string{"/system/app", "/system/priv-app", "/vendor/etc", "/vendor/lib"}))
			for _, u := range s.Subdirectories() {
				Expect(u.Role).To(Equal(schema.Subdirectory))
			}
		})
		It("creates the writable layout under the base dir", func() {
			Expect(run()).To(Succeed())
			for _, d := range []string{"upper", "worker", "master", "upper/system/app", "worker/system/app", "upper/vendor/lib", "worker/system/app/Foo"} {
				info, err := fs.Stat(base + "/" + d)
				Expect(err).ToNot(HaveOccurred(), d)
				Expect(info.IsDir()).To(BeTrue(), d)
			}
		})
		It("mounts a tmpfs on the staging dir first", func() {
			Expect(run()).To(Succeed())
			Expect(mounter.Calls[0].Kind).To(Equal(mocks.CallMount))
			Expect(mounter.Calls[0].Type).To(Equal("tmpfs"))
			Expect(mounter.Calls[0].Target).To(Equal(raw(staging)))
		})
	})

	Context("master layer", func() {
		It("binds upper onto master without extra lower dirs", func() {
			Expect(run()).To(Succeed())
			m := mounter.MountsOn(raw(base + "/master"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].Type).To(Equal("bind"))
			Expect(m[0].Source).To(Equal(raw(base + "/upper")))
			Expect(s.Merged()).To(BeTrue())
		})
		It("merges upper with the extra lower dirs", func() {
			s.LowerList = "/data/extra:/data/more"
			Expect(run()).To(Succeed())
			m := mounter.MountsOn(raw(base + "/master"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].Type).To(Equal("overlay"))
			Expect(m[0].Option("lowerdir")).To(Equal(raw(base+"/upper") + ":/data/extra:/data/more"))
		})
		It("is not fatal when it cannot be mounted", func() {
			mounter.FailOn = func(c mocks.Call) error {
				if c.Target == raw(base+"/master") {
					return unix.EPERM
				}
				return nil
			}
			Expect(run()).To(Succeed())
			Expect(s.Merged()).To(BeFalse())
			Expect(s.Installed()).To(HaveLen(5))
		})
	})

	Context("fallback ladder", func() {
		It("mounts read-only overlays by default", func() {
			Expect(run()).To(Succeed())
			m := mounter.MountsOn(raw(staging + "/system/app"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].Type).To(Equal("overlay"))
			Expect(m[0].Option("lowerdir")).To(Equal(raw("/system/app")))
			Expect(m[0].Option("upperdir")).To(Equal(raw(base + "/upper/system/app")))
			Expect(m[0].Option("workdir")).To(Equal(raw(base + "/worker/system/app")))
			Expect(m[0].HasOption("ro")).To(BeTrue())
			Expect(s.Outcome("/system/app")).To(Equal(schema.OverlayRO))
		})
		It("mounts writable overlays in read-write mode", func() {
			s.Mode = schema.ReadWrite
			Expect(run()).To(Succeed())
			m := mounter.MountsOn(raw(staging + "/vendor/lib"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].HasOption("ro")).To(BeFalse())
			Expect(m[0].Option("upperdir")).To(Equal(raw(base + "/upper/vendor/lib")))
			Expect(s.Outcome("/vendor/lib")).To(Equal(schema.OverlayRW))
		})
		It("puts master first in the lower dirs when it has the unit", func() {
			Expect(vfs.MkdirAll(fs, base+"/master/system/app", 0o755)).To(Succeed())
			Expect(run()).To(Succeed())
			m := mounter.MountsOn(raw(staging + "/system/app"))
			Expect(m[0].Option("lowerdir")).To(Equal(raw(base+"/master/system/app") + ":" + raw("/system/app")))
		})
		It("falls back to a layered read-only overlay", func() {
			Expect(vfs.MkdirAll(fs, base+"/master/system/app", 0o755)).To(Succeed())
			mounter.FailOn = overlayFails
			Expect(run()).To(Succeed())
			m := mounter.MountsOn(raw(staging + "/system/app"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].Option("upperdir")).To(BeEmpty())
			Expect(m[0].Option("lowerdir")).To(Equal(raw(base+"/master/system/app") + ":" + raw("/system/app")))
			Expect(s.Outcome("/system/app")).To(Equal(schema.LayeredRO))
		})
		It("layers upper itself when master is not mounted", func() {
			mounter.FailOn = func(c mocks.Call) error {
				if c.Target == raw(base+"/master") {
					return unix.EPERM
				}
				return overlayFails(c)
			}
			Expect(run()).To(Succeed())
			m := mounter.MountsOn(raw(staging + "/system/app"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].Option("lowerdir")).To(Equal(raw(base+"/upper/system/app") + ":" + raw("/system/app")))
		})
		It("never gives an upperdir in locked mode", func() {
			s.Mode = schema.ReadOnlyLocked
			Expect(run()).To(Succeed())
			for _, c := range mounter.Attempts {
				Expect(c.Option("upperdir")).To(BeEmpty(), c.String())
			}
			Expect(s.Outcome("/system/priv-app")).To(Equal(schema.LayeredRO))
			Expect(s.Installed()).To(HaveLen(5))
		})
		It("binds the original when no overlay can be mounted", func() {
			s.Mode = schema.ReadOnlyLocked
			mounter.FailOn = func(c mocks.Call) error {
				if c.Type == "overlay" {
					return unix.EINVAL
				}
				return nil
			}
			Expect(run()).To(Succeed())
			m := mounter.MountsOn(raw(staging + "/vendor/etc"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].Type).To(Equal("bind"))
			Expect(m[0].Source).To(Equal(raw("/vendor/etc")))
			Expect(s.Outcome("/vendor/etc")).To(Equal(schema.Bind))
			Expect(paths(s.Installed())).To(ContainElement("/vendor/etc"))
		})
		It("aborts when even the bind fails", func() {
			mounter.FailOn = func(c mocks.Call) error {
				if c.Target == raw(staging+"/vendor/etc") {
					return unix.ENOENT
				}
				return nil
			}
			err := run()
			Expect(err).To(MatchError(constants.ErrBindFallback))
			Expect(s.Outcome("/vendor/etc")).To(Equal(schema.Failed))
			Expect(s.Installed()).To(BeEmpty())
			Expect(mounter.MountsOn(raw("/system/app"))).To(BeEmpty())
			_, err = fs.Stat(staging)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("nested mounts", func() {
		It("restores mounts living under a staged subdirectory", func() {
			Expect(run()).To(Succeed())
			Expect(paths(s.Staged())).To(Equal([]string{"/system/app", "/system/priv-app", "/vendor/etc", "/vendor/lib", "/system/app/Foo"}))
			m := mounter.MountsOn(raw(staging + "/system/app/Foo"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].Type).To(Equal("overlay"))
			Expect(m[0].Option("upperdir")).To(Equal(raw(base + "/upper/system/app/Foo")))
		})
		It("binds nested files back", func() {
			records = append(records, schema.MountRecord{Target: "/system/build.prop", Device: dev("/system/build.prop")},
				schema.MountRecord{Target: "/vendor/lib/libfoo.so", Device: dev("/vendor/lib/libfoo.so")})
			Expect(run()).To(Succeed())
			// build.prop is not under any subdirectory
			Expect(paths(s.Staged())).ToNot(ContainElement("/system/build.prop"))
			m := mounter.MountsOn(raw(staging + "/vendor/lib/libfoo.so"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].Type).To(Equal("bind"))
			Expect(s.Outcome("/vendor/lib/libfoo.so")).To(Equal(schema.Bind))
		})
		It("does not stage the same path twice", func() {
			records = append(records, schema.MountRecord{Target: "/vendor/lib", Device: dev("/vendor/lib")})
			Expect(run()).To(Succeed())
			Expect(mounter.MountsOn(raw(staging + "/vendor/lib"))).To(HaveLen(1))
		})
		It("skips symlinked children", func() {
			Expect(run()).To(Succeed())
			Expect(paths(s.Subdirectories())).ToNot(ContainElement("/system/app-link"))
		})
	})

	Context("install", func() {
		It("binds staged units in order and makes them private then shared", func() {
			Expect(run()).To(Succeed())
			var binds []string
			for _, c := range mounter.Filter(mocks.CallMount) {
				if c.Type == "bind" && !strings.HasPrefix(c.Target, raw(staging)) && c.Target != raw(base+"/master") {
					binds = append(binds, c.Target)
					Expect(c.Source).To(Equal(raw(staging + strings.TrimPrefix(c.Target, raw("/")))))
				}
			}
			Expect(binds).To(Equal([]string{raw("/system/app"), raw("/system/priv-app"), raw("/vendor/etc"), raw("/vendor/lib"), raw("/system/app/Foo")}))

			var propagation []mocks.Call
			for _, c := range mounter.Calls {
				if c.Target == raw("/vendor/lib") {
					propagation = append(propagation, c)
				}
			}
			Expect(propagation).To(HaveLen(3))
			Expect(propagation[1].Kind).To(Equal(mocks.CallPrivate))
			Expect(propagation[2].Kind).To(Equal(mocks.CallShared))
			Expect(paths(s.Installed())).To(Equal(paths(s.Staged())))
		})
		It("rolls back in reverse order when a bind fails", func() {
			mounter.FailOn = func(c mocks.Call) error {
				if c.Kind == mocks.CallMount && c.Target == raw("/vendor/etc") {
					return unix.EBUSY
				}
				return nil
			}
			err := run()
			Expect(err).To(MatchError(constants.ErrInstall))
			Expect(s.Installed()).To(BeEmpty())
			Expect(mounter.Targets(mocks.CallUnmount)).To(Equal([]string{raw("/system/priv-app"), raw("/system/app"), raw(staging), raw(base + "/master")}))
			for _, c := range mounter.Filter(mocks.CallUnmount) {
				Expect(c.Flags).To(Equal(unix.MNT_DETACH))
			}
		})
		It("rolls back the unit whose propagation could not be changed", func() {
			mounter.FailOn = func(c mocks.Call) error {
				if c.Kind == mocks.CallShared && c.Target == raw("/system/priv-app") {
					return unix.EINVAL
				}
				return nil
			}
			Expect(run()).To(MatchError(constants.ErrInstall))
			Expect(mounter.Targets(mocks.CallUnmount)).To(Equal([]string{raw("/system/priv-app"), raw("/system/app"), raw(staging), raw(base + "/master")}))
		})
		It("keeps rolling back when an unmount fails", func() {
			mounter.FailOn = func(c mocks.Call) error {
				switch {
				case c.Kind == mocks.CallMount && c.Target == raw("/vendor/lib"):
					return unix.EBUSY
				case c.Kind == mocks.CallUnmount && c.Target == raw("/vendor/etc"):
					return unix.EINVAL
				}
				return nil
			}
			err := run()
			Expect(err).To(MatchError(constants.ErrInstall))
			Expect(errors.Is(err, unix.EINVAL)).To(BeTrue())
			Expect(mounter.Targets(mocks.CallUnmount)).To(Equal([]string{raw("/system/priv-app"), raw("/system/app"), raw(staging), raw(base + "/master")}))
		})
	})

	Context("staging filesystem", func() {
		It("is removed after a successful run", func() {
			Expect(run()).To(Succeed())
			Expect(mounter.Targets(mocks.CallUnmount)).To(Equal([]string{raw(staging)}))
			_, err := fs.Stat(staging)
			Expect(err).To(HaveOccurred())
		})
		It("is removed after a failed install", func() {
			mounter.FailOn = func(c mocks.Call) error {
				if c.Kind == mocks.CallPrivate {
					return unix.EPERM
				}
				return nil
			}
			Expect(run()).To(HaveOccurred())
			_, err := fs.Stat(staging)
			Expect(err).To(HaveOccurred())
		})
		It("leaves nothing mounted after a failed run", func() {
			mounter.FailOn = func(c mocks.Call) error {
				if c.Kind == mocks.CallMount && c.Target == raw("/system/app") {
					return unix.EBUSY
				}
				return nil
			}
			Expect(run()).To(MatchError(constants.ErrInstall))
			mounted := map[string]bool{}
			for _, c := range mounter.Calls {
				switch {
				case c.Kind == mocks.CallMount && !strings.HasPrefix(c.Target, raw(staging)):
					mounted[c.Target] = true
				case c.Kind == mocks.CallUnmount:
					delete(mounted, c.Target)
				}
			}
			Expect(mounted).To(BeEmpty())
			Expect(mounter.Targets(mocks.CallUnmount)).To(Equal([]string{raw(staging), raw(base + "/master")}))
		})
		It("keeps the master layer after a successful run", func() {
			Expect(run()).To(Succeed())
			Expect(mounter.Targets(mocks.CallUnmount)).ToNot(ContainElement(raw(base + "/master")))
		})
		It("does not unmount a master layer that never got mounted", func() {
			mounter.FailOn = func(c mocks.Call) error {
				switch {
				case c.Target == raw(base+"/master"):
					return unix.EPERM
				case c.Kind == mocks.CallMount && c.Target == raw("/system/app"):
					return unix.EBUSY
				}
				return nil
			}
			Expect(run()).To(MatchError(constants.ErrInstall))
			for _, c := range mounter.Attempts {
				if c.Kind == mocks.CallUnmount {
					Expect(c.Target).ToNot(Equal(raw(base+"/master")), c.String())
				}
			}
		})
		It("fails without mounting anything when it cannot be created", func() {
			s.StagingBase = "/missing"
			Expect(run()).To(MatchError(constants.ErrStagingUnavailable))
			Expect(mounter.Attempts).To(BeEmpty())
		})
		It("fails without mounting anything when the base is not usable", func() {
			Expect(fs.WriteFile(base+"/upper", []byte("file"), 0o644)).To(Succeed())
			Expect(run()).To(MatchError(constants.ErrStagingUnavailable))
			Expect(mounter.Attempts).To(BeEmpty())
		})
		It("fails when the tmpfs cannot be mounted and removes the dir", func() {
			mounter.FailOn = func(c mocks.Call) error {
				if c.Type == "tmpfs" {
					return unix.ENOMEM
				}
				return nil
			}
			Expect(run()).To(MatchError(constants.ErrStagingUnavailable))
			Expect(mounter.Attempts).To(HaveLen(1))
			Expect(mounter.Filter(mocks.CallUnmount)).To(BeEmpty())
			_, err := fs.Stat(staging)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("mirror sync", func() {
		It("replays installed units into the mirror tree", func() {
			Expect(vfs.MkdirAll(fs, "/data/magisk/.magisk/mirror", 0o755)).To(Succeed())
			s.MirrorBase = "/data/magisk"
			Expect(run()).To(Succeed())
			mirror := "/data/magisk/.magisk/mirror"
			m := mounter.MountsOn(raw(mirror + "/vendor/lib"))
			Expect(m).To(HaveLen(1))
			Expect(m[0].Source).To(Equal(raw(staging + "/vendor/lib")))
			Expect(mounter.Targets(mocks.CallShared)).To(ContainElement(raw(mirror + "/system/app/Foo")))
		})
		It("is skipped without a mirror tree", func() {
			s.MirrorBase = "/data/magisk"
			Expect(run()).To(Succeed())
			for _, c := range mounter.Calls {
				Expect(c.Target).ToNot(HavePrefix(raw("/data/magisk")))
			}
		})
		It("is not fatal", func() {
			Expect(vfs.MkdirAll(fs, "/data/magisk/.magisk/mirror", 0o755)).To(Succeed())
			s.MirrorBase = "/data/magisk"
			mounter.FailOn = func(c mocks.Call) error {
				if strings.HasPrefix(c.Target, raw("/data/magisk")) {
					return unix.ENOENT
				}
				return nil
			}
			Expect(run()).To(Succeed())
			Expect(s.Installed()).To(HaveLen(5))
		})
	})

	Context("manifest", func() {
		It("describes the installed units", func() {
			Expect(run()).To(Succeed())
			data, err := fs.ReadFile(base + "/" + constants.ManifestFile)
			Expect(err).ToNot(HaveOccurred())
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			Expect(lines).To(HaveLen(5))
			Expect(lines[0]).To(ContainSubstring(" /system/app "))
			Expect(lines[0]).To(ContainSubstring("overlay"))
			Expect(lines[4]).To(ContainSubstring(" /system/app/Foo "))
		})
	})

	It("prints the dag", func() {
		g := herd.DAG(herd.EnableInit)
		Expect(dag.RegisterOverlay(s, g)).To(Succeed())
		out := s.WriteDAG(g)
		Expect(out).To(ContainSubstring("<" + constants.OpInstall + ">"))
		Expect(out).To(ContainSubstring("<" + constants.OpTeardown + "> (background: false) (weak: true)"))
	})
})
