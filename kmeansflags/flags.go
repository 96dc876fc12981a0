// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmeansflags provides flag support for bigkmeans command
// line applications: selecting the system on which workers run,
// sizing the worker group, and displaying run status.
package kmeansflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider provides the machines on which a session's workers run.
// Providers are configured by options of the form key=val.
type Provider interface {
	// Name returns the name of the provider.
	Name() string
	// Set applies a single key=val option.
	Set(option string) error
	// ExecOption returns the exec.Option that configures a session
	// to run its workers on the provided machines.
	ExecOption() exec.Option
	// DefaultWorkers returns the worker group size used when none
	// is specified.
	DefaultWorkers() int
}

// RegisterSystemProvider registers a provider under the given name,
// by which it is selected with the -system flag.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a named shorthand for a system and
// its options. An application that registers
//
//	kmeansflags.RegisterSystemProfile("big", "ec2:instance=m5.4xlarge")
//
// accepts -system=big as a synonym for -system=ec2:instance=m5.4xlarge.
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the sorted names of the registered
// providers, and the registered profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return names, prf
}

// noOptions is embedded by providers that take no options.
type noOptions struct{ name string }

func (p noOptions) Name() string { return p.name }

func (p noOptions) Set(option string) error {
	return fmt.Errorf("the %s system does not support option %q", p.name, option)
}

func (noOptions) DefaultWorkers() int { return runtime.GOMAXPROCS(0) }

// Internal runs every worker as a goroutine of the current process.
type Internal struct{ noOptions }

// ExecOption implements Provider.
func (*Internal) ExecOption() exec.Option { return exec.Local }

// Local runs workers in separate processes on the local machine.
type Local struct{ noOptions }

// ExecOption implements Provider.
func (*Local) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }

// EC2 runs workers on AWS EC2 instances.
type EC2 struct {
	System ec2system.System
	set    bool
}

// Name implements Provider.
func (*EC2) Name() string { return "ec2" }

// Set implements Provider. Supported options are instance, dataspace,
// rootsize, profile and ondemand.
func (p *EC2) Set(option string) error {
	parts := strings.SplitN(option, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("ec2: option %q not in key=val format", option)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "instance":
		p.System.InstanceType = val
	case "profile":
		p.System.InstanceProfile = val
	case "dataspace", "rootsize":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("ec2: %s: not a size: %v", key, val)
		}
		if key == "dataspace" {
			p.System.Dataspace = uint(n)
		} else {
			p.System.Diskspace = uint(n)
		}
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("ec2: ondemand: not a bool: %v", val)
		}
		p.System.OnDemand = b
	default:
		return fmt.Errorf("ec2: unsupported option %q", key)
	}
	p.set = true
	return nil
}

// ExecOption implements Provider.
func (p *EC2) ExecOption() exec.Option {
	if p.set && p.System.Username == "" {
		p.System.Username = "unknown"
		if u, err := user.Current(); err == nil {
			p.System.Username = u.Username
		} else {
			log.Printf("kmeansflags: ec2: get current user: %v", err)
		}
	}
	return exec.Bigmachine(&p.System)
}

// DefaultWorkers implements Provider.
func (*EC2) DefaultWorkers() int { return 4 }

func init() {
	RegisterSystemProvider("internal", &Internal{noOptions{"internal"}})
	RegisterSystemProvider("local", &Local{noOptions{"local"}})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the -system flag.
func SystemHelpShort(prefix string) string {
	return fmt.Sprintf("system on which workers run: {internal,local,ec2[:key=val,...],profile}; see -%ssystem-help", prefix)
}

// SystemHelpLong is the full explanation of the -system flag.
const SystemHelpLong = `A bigkmeans system is specified as follows:

<system>[:<key>=<value>,...]

The supported systems and their options are:

internal: every worker runs in the current process, the default.
local: workers run in separate processes on this machine.
ec2: workers run on AWS EC2 instances. The supported options are:
	instance=<type> - the EC2 instance type, e.g. m5.xlarge
	dataspace=<GiB> - size of the data volume
	rootsize=<GiB> - size of the root volume
	ondemand=<bool> - use on-demand rather than spot instances
	profile=<arn> - the instance profile to use instead of the default

Applications may also register profiles, which are names for a system
together with its options.
`

// SystemFlag is a flag.Value that selects a Provider.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return sys.Provider.Name() + ":" + strings.Join(sys.Options, ",")
}

// Set implements flag.Value. Profiles are expanded before the
// provider's options are applied.
func (sys *SystemFlag) Set(v string) error {
	name, options := splitSystem(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var extra []string
		name, extra = splitSystem(profile)
		options = append(extra, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Provider = provider
	sys.Options = options
	sys.Specified = true
	return nil
}

// Get implements flag.Getter.
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

func splitSystem(s string) (name string, options []string) {
	parts := strings.SplitN(s, ":", 2)
	name = parts[0]
	if len(parts) > 1 && parts[1] != "" {
		options = strings.Split(parts[1], ",")
	}
	return
}

// Flags holds the flags that configure a bigkmeans session.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Workers       int
	Trace         string
	fs            *flag.FlagSet
}

// Defaults are the default values of Flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Workers       int
}

// Output returns the writer to which help messages are printed.
func (f *Flags) Output() io.Writer {
	if f.fs != nil {
		if w := f.fs.Output(); w != nil {
			return w
		}
	}
	return os.Stderr
}

// RegisterFlags registers the session flags with fs, each name
// prefixed by prefix, using the standard defaults.
func RegisterFlags(fs *flag.FlagSet, f *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, f, prefix, Defaults{
		System:      "internal",
		HTTPAddress: ":3333",
	})
}

// RegisterFlagsWithDefaults registers the session flags with fs,
// each name prefixed by prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, f *Flags, prefix string, defaults Defaults) {
	fs.Var(&f.System, prefix+"system", SystemHelpShort(prefix))
	if err := f.System.Set(defaults.System); err != nil {
		log.Panicf("kmeansflags: default system %q: %v", defaults.System, err)
	}
	f.System.Specified = false
	fs.Var(&f.HTTPAddress, prefix+"http", "address of the http status server")
	f.HTTPAddress.Set(defaults.HTTPAddress)
	f.HTTPAddress.Specified = false
	fs.BoolVar(&f.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&f.Workers, prefix+"workers", defaults.Workers, "number of workers cooperating on each job, including the coordinator; 0 selects the system default")
	fs.StringVar(&f.Trace, prefix+"trace", "", "path to which a trace of the session is written on shutdown")
	fs.BoolVar(&f.SystemHelp, prefix+"system-help", false, "describe the available systems and profiles")
	f.fs = fs
}

// ExecOptions returns the session options selected by the flags.
func (f *Flags) ExecOptions() ([]exec.Option, error) {
	if f.System.Provider == nil {
		return nil, fmt.Errorf("no system selected")
	}
	if f.Workers < 0 {
		return nil, fmt.Errorf("invalid number of workers %d", f.Workers)
	}
	var st status.Status
	// The machine group is displayed ahead of run progress.
	_ = st.Group(exec.BigmachineStatusGroup)
	options := []exec.Option{exec.Status(&st), f.System.Provider.ExecOption()}
	workers := f.Workers
	if workers == 0 {
		workers = f.System.Provider.DefaultWorkers()
	}
	options = append(options, exec.Workers(workers))
	if f.Trace != "" {
		options = append(options, exec.TracePath(f.Trace))
	}
	return options, nil
}
