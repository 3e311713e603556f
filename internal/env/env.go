// Package env binds the runtime option names the adapter understands to
// the device calls they drive.
package env

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-npu/internal/device"
	"github.com/23skdu/longbow-npu/internal/option"
)

// Device is the part of the runtime the option hooks reach.
type Device interface {
	SetCompileOpt(opt device.CompileOpt, value string) error
	InitDump() error
	SetDump(configPath string) error
	FinalizeDump() error
}

// Flags are the derived boolean checks other packages consult.
type Flags struct {
	BmmV2Enabled         func() bool
	JitDisabled          func() bool
	MmBmmNDDisabled      func() bool
	ForbidInternalFormat func() bool
	TaskQueueEnabled     func() bool
}

// ValidPathCheck fails unless path resolves to an existing file or
// directory.
func ValidPathCheck(path string) error {
	if _, err := filepath.EvalSymlinks(path); err != nil {
		return fmt.Errorf("config path %q fails: %w", path, err)
	}
	return nil
}

func compileOptHook(dev Device, opt device.CompileOpt) option.Hook {
	return func(val string) error {
		if err := dev.SetCompileOpt(opt, val); err != nil {
			return fmt.Errorf("failed to set compile option %s to %q: %w", opt, val, err)
		}
		return nil
	}
}

// Register installs every option and hook on reg and returns the derived
// checks. Register must run before reg.InitFromEnv.
func Register(reg *option.Registry, dev Device, aoe *AoeManager, jit *JitCompileList) Flags {
	reg.Register("autotune", func(val string) error {
		if val == "enable" {
			aoe.EnableAoe()
		}
		return nil
	})
	reg.Register("autotunegraphdumppath", func(val string) error {
		if err := ValidPathCheck(val); err != nil {
			return err
		}
		aoe.SetDumpGraphPath(val)
		return nil
	})

	reg.Register("bmmv2_enable", nil, option.FromEnv())

	reg.Register("mdldumpswitch", func(val string) error {
		if val == "enable" {
			return dev.InitDump()
		}
		return dev.FinalizeDump()
	})
	reg.Register("mdldumpconfigpath", dev.SetDump)

	reg.Register("jitCompile", compileOptHook(dev, device.CompileOptJitCompile))
	reg.Register("ACL_OP_DEBUG_LEVEL", compileOptHook(dev, device.CompileOptDebugLevel))
	reg.Register("ACL_DEBUG_DIR", compileOptHook(dev, device.CompileOptDebugDir))
	reg.Register("ACL_OP_COMPILER_CACHE_MODE", compileOptHook(dev, device.CompileOptCacheMode))
	reg.Register("ACL_OP_COMPILER_CACHE_DIR", compileOptHook(dev, device.CompileOptCacheDir))
	reg.Register("ACL_PRECISION_MODE", compileOptHook(dev, device.CompileOptPrecisionMode))
	reg.Register("ACL_OP_SELECT_IMPL_MODE", compileOptHook(dev, device.CompileOptSelectImplMode))
	reg.Register("ACL_OPTYPELIST_FOR_IMPLMODE", compileOptHook(dev, device.CompileOptOpTypeListForImplMode))
	reg.Register("NPU_FUZZY_COMPILE_BLACKLIST", func(val string) error {
		jit.RegisterJitlist(val)
		return nil
	})

	reg.Register("MM_BMM_ND_ENABLE", nil)
	reg.Register("ALLOW_INTERNAL_FORMAT", nil)
	reg.Register("TASK_QUEUE_ENABLE", nil, option.FromEnv())

	// ACL_ALLOW_HF32 packs both switches: conv first, matmul second. Each
	// hook reads the sibling option's current value, so the last one set
	// decides the final flag.
	reg.Register("ALLOW_CONV_HF32", func(val string) error {
		mm := "0"
		if v, ok := reg.Get("ALLOW_MATMUL_HF32"); ok && v == "enable" {
			mm = "1"
		}
		conv := "0"
		if val == "enable" {
			conv = "1"
		}
		return setHF32(dev, conv+mm)
	})
	reg.Register("ALLOW_MATMUL_HF32", func(val string) error {
		conv := "1"
		if v, ok := reg.Get("ALLOW_CONV_HF32"); ok && v == "disable" {
			conv = "0"
		}
		mm := "0"
		if val == "enable" {
			mm = "1"
		}
		return setHF32(dev, conv+mm)
	})

	return Flags{
		BmmV2Enabled:         reg.BoolFunc("bmmv2_enable", "0", "1"),
		JitDisabled:          reg.BoolFunc("jitCompile", "enable", "disable"),
		MmBmmNDDisabled:      reg.BoolFuncOnce("MM_BMM_ND_ENABLE", "enable", "disable"),
		ForbidInternalFormat: reg.BoolFuncOnce("ALLOW_INTERNAL_FORMAT", "enable", "disable"),
		TaskQueueEnabled:     reg.BoolFunc("TASK_QUEUE_ENABLE", "1", "1"),
	}
}

func setHF32(dev Device, flag string) error {
	if err := dev.SetCompileOpt(device.CompileOptAllowHF32, flag); err != nil {
		return fmt.Errorf("failed to set compile option %s to %q: %w", device.CompileOptAllowHF32, flag, err)
	}
	log.Debug().Str("value", flag).Msg("Set compile option ACL_ALLOW_HF32")
	return nil
}
