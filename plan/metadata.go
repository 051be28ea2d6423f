// Copyright (C) 2022 Sneller, Inc.
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
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package plan

import (
	"fmt"
)

// DatasetKind says where a dataset is stored.
type DatasetKind uint8

const (
	Internal DatasetKind = iota
	External
)

// Format is the storage format of a dataset.
type Format uint8

const (
	RowFormat Format = iota
	ColumnFormat
)

// Dataset describes a data source.
type Dataset struct {
	Name   string
	Kind   DatasetKind
	Format Format
}

// Columnar returns whether the dataset is
// an internal dataset in the column format,
// the only kind whose scans can be fused.
func (d *Dataset) Columnar() bool {
	return d.Kind == Internal && d.Format == ColumnFormat
}

// Metadata resolves data source ids.
type Metadata interface {
	Dataset(id string) (*Dataset, error)
}

// StaticMetadata is a Metadata
// backed by a fixed set of datasets.
type StaticMetadata map[string]*Dataset

// Dataset implements Metadata.Dataset
func (m StaticMetadata) Dataset(id string) (*Dataset, error) {
	d, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("plan: unknown dataset %q", id)
	}
	return d, nil
}
