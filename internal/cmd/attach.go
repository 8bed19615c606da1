// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"strconv"
	"strings"
)

// AttachList is a [flag.Value] collecting attach requests of one device kind.
//
// Each value has the form "ID:NAME[,NAME]" or "ID" for kinds without
// mandatory names. It is stored as configuration command "ID NAME...". An
// empty value clears the list.
type AttachList []string

func (a *AttachList) String() string {
	return strings.Join(*a, ";")
}

func (a *AttachList) Set(s string) error {
	if s == "" {
		*a = nil
		return nil
	}

	id, names, _ := strings.Cut(s, ":")
	if _, err := strconv.Atoi(id); err != nil {
		return ErrAttachInvalid
	}

	command := []string{id}

	if names != "" {
		for _, name := range strings.Split(names, ",") {
			if name == "" {
				return ErrAttachInvalid
			}

			command = append(command, name)
		}
	}

	*a = append(*a, strings.Join(command, " "))

	return nil
}
