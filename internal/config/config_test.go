// Escriba is a web page archiving service.
// Copyright (C) 2025 Fernanda Queiroz
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"reflect"
	"testing"
)

func TestParseServices(t *testing.T) {
	got, err := ParseServices("curl:2:/usr/lib/escriba/curl.sh, title:1:title.sh")
	if err != nil {
		t.Fatalf("ParseServices: %v", err)
	}
	want := []ServiceSpec{
		{Name: "curl", Concurrency: 2, Program: "/usr/lib/escriba/curl.sh"},
		{Name: "title", Concurrency: 1, Program: "title.sh"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseServices = %+v, want %+v", got, want)
	}
}

func TestParseServicesRejectsMalformed(t *testing.T) {
	for _, val := range []string{
		"",
		"curl",
		"curl:2",
		"curl:x:prog",
		"curl:0:prog",
		":1:prog",
		"curl:1:",
	} {
		if _, err := ParseServices(val); err == nil {
			t.Errorf("ParseServices(%q) accepted", val)
		}
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ESCRIBA_DB_URI", "/var/lib/escriba/escriba.db")
	t.Setenv("ESCRIBA_BROKER_ENDPOINT", "tcp://0.0.0.0:6000")
	t.Setenv("ESCRIBA_SERVICES", "wget:3:wget.sh")
	t.Setenv("ESCRIBA_LOG_LEVEL", "debug")
	t.Setenv("ESCRIBA_HTTP_ADDR", ":9090")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.DBURI != "/var/lib/escriba/escriba.db" ||
		cfg.BrokerEndpoint != "tcp://0.0.0.0:6000" ||
		cfg.LogLevel != "debug" ||
		cfg.HTTPAddr != ":9090" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Name != "wget" || cfg.Services[0].Concurrency != 3 {
		t.Fatalf("services = %+v", cfg.Services)
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("ESCRIBA_DB_URI", "")
	t.Setenv("ESCRIBA_BROKER_ENDPOINT", "")
	t.Setenv("ESCRIBA_SERVICES", "")
	t.Setenv("ESCRIBA_LOG_LEVEL", "")
	t.Setenv("ESCRIBA_HTTP_ADDR", "")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, Default())
	}
}
