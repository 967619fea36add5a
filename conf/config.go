/*
 * Copyright 2018 The ThunderDB Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package conf loads the YAML configuration of a replicon node: its peer
// identity, data directory, and the replication tuning knobs recognised by
// the node constructor.
package conf

import (
	"io/ioutil"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/rowsync/rowsync/utils"
)

// PeerInfo describes a remote peer known ahead of time from config, used to
// seed the transport multiplexer before any socket has been registered.
type PeerInfo struct {
	PeerID uint64 `yaml:"PeerID"`
	Addr   string `yaml:"Addr"`
}

// Config holds all the config read from a YAML config file.
type Config struct {
	// WorkingRoot is the directory the node's SQLite file, shadow stores,
	// and pending-patch store live under.
	WorkingRoot string `yaml:"WorkingRoot"`
	// ListenAddr is the address the transport listens on for peer sockets.
	ListenAddr string `yaml:"ListenAddr"`
	// ThisPeerID is this node's 53-bit peer id. Zero means "generate one".
	ThisPeerID uint64 `yaml:"ThisPeerID"`

	// SocketStringMode selects JSON wire encoding over the default
	// structured (msgpack) encoding.
	SocketStringMode bool `yaml:"SocketStringMode"`
	// HeartbeatIntervalMs is the heartbeat scheduler tick; 0 disables it.
	HeartbeatIntervalMs int64 `yaml:"HeartbeatIntervalMs"`
	// PatchApplyDelayMs is the merge-applier debounce window.
	PatchApplyDelayMs int64 `yaml:"PatchApplyDelayMs"`
	// MaxPatchRetentionMs bounds shadow/pending patch history.
	MaxPatchRetentionMs int64 `yaml:"MaxPatchRetentionMs"`
	// MaxRequestForMissingPatches caps how many gaps one sweep requests.
	MaxRequestForMissingPatches int `yaml:"MaxRequestForMissingPatches"`
	// ReadYourWriteTimeoutMs bounds the read-your-writes backoff loop.
	ReadYourWriteTimeoutMs int64 `yaml:"ReadYourWriteTimeoutMs"`

	KnownPeers []PeerInfo `yaml:"KnownPeers"`
}

// GConf is the global config pointer, populated by LoadConfig.
var GConf *Config

// LoadConfig loads config from configPath, expanding a leading "~" so
// operators can point it at a home-relative path from a shell alias or
// systemd unit that doesn't itself expand tildes.
func LoadConfig(configPath string) (config *Config, err error) {
	configBytes, err := ioutil.ReadFile(utils.HomeDirExpand(configPath))
	if err != nil {
		log.Errorf("read config file failed: %s", err)
		return
	}
	config = &Config{}
	if err = yaml.Unmarshal(configBytes, config); err != nil {
		log.Errorf("unmarshal config file failed: %s", err)
		return
	}
	config.WorkingRoot = utils.HomeDirExpand(config.WorkingRoot)
	return
}
