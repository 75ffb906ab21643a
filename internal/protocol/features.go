package protocol

import (
	"slices"
	"strings"
)

// Feature tags advertised in the CNXN banner.
const (
	FeatureShell2                    = "shell_v2"
	FeatureCmd                       = "cmd"
	FeatureStat2                     = "stat_v2"
	FeatureLs2                       = "ls_v2"
	FeatureLibusb                    = "libusb"
	FeaturePushSync                  = "push_sync"
	FeatureApex                      = "apex"
	FeatureFixedPushMkdir            = "fixed_push_mkdir"
	FeatureAbb                       = "abb"
	FeatureFixedPushSymlinkTimestamp = "fixed_push_symlink_timestamp"
	FeatureAbbExec                   = "abb_exec"
	FeatureRemountShell              = "remount_shell"
	FeatureTrackApp                  = "track_app"
	FeatureSendRecv2                 = "sendrecv_v2"
	FeatureSendRecv2Brotli           = "sendrecv_v2_brotli"
	FeatureSendRecv2LZ4              = "sendrecv_v2_lz4"
	FeatureSendRecv2Zstd             = "sendrecv_v2_zstd"
	FeatureSendRecv2DryRunSend       = "sendrecv_v2_dry_run_send"
	FeatureDelayedAck                = "delayed_ack"
	FeatureOpenscreenMdns            = "openscreen_mdns"
	FeatureDeviceTrackerProtoFormat  = "devicetracker_proto_format"
	FeatureDevRaw                    = "devraw"
	FeatureAppInfo                   = "app_info"
	FeatureServerStatus              = "server_status"
	FeatureTrackMdns                 = "track_mdns"
)

// FeatureSet is an ordered list of feature tags.
type FeatureSet []string

// SupportedFeatures returns the features this host advertises. delayed_ack
// is only offered in burst mode.
func SupportedFeatures(burstMode bool) FeatureSet {
	fs := FeatureSet{
		FeatureShell2,
		FeatureCmd,
		FeatureStat2,
		FeatureLs2,
		FeatureFixedPushMkdir,
		FeatureApex,
		FeatureAbb,
		FeatureFixedPushSymlinkTimestamp,
		FeatureAbbExec,
		FeatureRemountShell,
		FeatureTrackApp,
		FeatureSendRecv2,
		FeatureSendRecv2Brotli,
		FeatureSendRecv2LZ4,
		FeatureSendRecv2Zstd,
		FeatureSendRecv2DryRunSend,
		FeatureOpenscreenMdns,
		FeatureDeviceTrackerProtoFormat,
		FeatureDevRaw,
		FeatureAppInfo,
		FeatureServerStatus,
		FeatureTrackMdns,
	}
	if burstMode {
		fs = append(fs, FeatureDelayedAck)
	}
	return fs
}

// FeatureSetToString joins the set with commas.
func FeatureSetToString(fs FeatureSet) string {
	return strings.Join(fs, ",")
}

// StringToFeatureSet splits a comma list. The empty string is the empty set.
func StringToFeatureSet(s string) FeatureSet {
	if s == "" {
		return nil
	}
	return FeatureSet(strings.Split(s, ","))
}

// Has reports whether the set contains feature.
func (fs FeatureSet) Has(feature string) bool {
	return slices.Contains(fs, feature)
}

// CanUseFeature reports whether feature is advertised by both sides.
func CanUseFeature(remote FeatureSet, feature string, local FeatureSet) bool {
	return remote.Has(feature) && local.Has(feature)
}
