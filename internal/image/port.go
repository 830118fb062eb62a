// SPDX-License-Identifier: AGPL-3.0-or-later
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package image

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
)

// PortType is the transport protocol of an exposed port.
type PortType string

const (
	PortTypeTCP PortType = "tcp"
	PortTypeUDP PortType = "udp"
)

// Port is a container port. Ports are distinguished by number and type.
type Port struct {
	Number int
	Type   PortType
}

func (p Port) String() string {
	return string(p.key())
}

func (p Port) key() nat.Port {
	t := p.Type
	if t == "" {
		t = PortTypeTCP
	}
	return nat.Port(strconv.Itoa(p.Number) + "/" + string(t))
}

// ParsePort parses a port spec of the form "number[/type]". The type
// defaults to tcp.
func ParsePort(spec string) (Port, error) {
	proto, number := nat.SplitProtoPort(strings.TrimSpace(spec))
	if number == "" {
		return Port{}, fmt.Errorf("invalid port %q: missing port number", spec)
	}

	n, err := nat.ParsePort(number)
	if err != nil || n == 0 {
		return Port{}, fmt.Errorf("invalid port %q: port number must be between 1 and 65535", spec)
	}

	p := Port{Number: n, Type: PortType(strings.ToLower(proto))}
	if err := p.validate(); err != nil {
		return Port{}, err
	}

	return p, nil
}

func (p Port) validate() error {
	if p.Number < 1 || p.Number > 65535 {
		return fmt.Errorf("invalid port %d: port number must be between 1 and 65535", p.Number)
	}

	switch p.Type {
	case "", PortTypeTCP, PortTypeUDP:
		return nil
	default:
		return fmt.Errorf("invalid port type %q: must be tcp or udp", p.Type)
	}
}
