package lustre

import (
	"github.com/whamcloud/lmgr/internal/scheduler/steps"
)

// Remote step classes. The step class name is also the agent action it invokes.
var remoteSteps = []struct {
	name       string
	idempotent bool
}{
	{"configure_ntp", true},
	{"configure_rsyslog", true},
	{"set_server_conf", true},
	{"remove_server_conf", true},
	{"deregister_server", true},
	{"reboot_server", false},
	{"device_scan", true},
	{"load_lnet", true},
	{"unload_lnet", true},
	{"start_lnet", true},
	{"stop_lnet", true},
	{"lnet_scan", true},
	{"configure_corosync", true},
	{"start_corosync", true},
	{"stop_corosync", true},
	{"unconfigure_corosync", true},
	{"configure_pacemaker", true},
	{"start_pacemaker", true},
	{"stop_pacemaker", true},
	{"unconfigure_pacemaker", true},
	// reformatting a target that was formatted and written to destroys data
	{"format_target", false},
	{"mount_target", true},
	{"unmount_target", true},
	{"unconfigure_target", true},
	{"failover_target", true},
	{"failback_target", true},
	{"mount_lustre_filesystem", true},
	{"unmount_lustre_filesystem", true},
	{"configure_copytool", true},
	{"start_copytool", true},
	{"stop_copytool", true},
	{"unconfigure_copytool", true},
}

func stepDefs() []steps.Definition {
	defs := make([]steps.Definition, 0, len(remoteSteps))
	for _, s := range remoteSteps {
		defs = append(defs, steps.Remote(s.name, s.name, s.idempotent))
	}
	return defs
}
