// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/multigres/nativepool/go/notifier"
	"github.com/multigres/nativepool/go/pool"
)

// document is one yaml document of command output. Exactly one field is set.
type document struct {
	Status       *pool.Status           `yaml:"status,omitempty"`
	Result       *resultDoc             `yaml:"result,omitempty"`
	Descriptions []pool.DescriptionInfo `yaml:"descriptions,omitempty"`
}

type resultDoc struct {
	Statement    string   `yaml:"statement"`
	Sets         []setDoc `yaml:"sets,omitempty"`
	Infos        []string `yaml:"infos,omitempty"`
	OutputParams []any    `yaml:"output-params,omitempty"`
	Error        string   `yaml:"error,omitempty"`
}

type setDoc struct {
	Columns  []string `yaml:"columns,omitempty"`
	Rows     [][]any  `yaml:"rows,omitempty"`
	RowCount int64    `yaml:"row-count"`
}

func newResultDoc(text string, r *notifier.Result, err error) *resultDoc {
	doc := &resultDoc{Statement: text}
	if err != nil {
		doc.Error = err.Error()
	}
	if r == nil {
		return doc
	}
	for _, set := range r.Sets {
		sd := setDoc{Rows: set.Rows, RowCount: set.RowCount}
		for _, c := range set.Columns {
			sd.Columns = append(sd.Columns, c.Name)
		}
		doc.Sets = append(doc.Sets, sd)
	}
	for _, info := range r.Infos {
		doc.Infos = append(doc.Infos, info.Error())
	}
	doc.OutputParams = r.OutputParams
	return doc
}

// printer writes yaml documents from several goroutines.
type printer struct {
	mu     sync.Mutex
	enc    *yaml.Encoder
	err    error
	closed bool
}

func newPrinter(w io.Writer) *printer {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return &printer{enc: enc}
}

// print encodes doc. The first encoding error is kept and returned by close.
// Documents printed after close are dropped.
func (p *printer) print(doc document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil || p.closed {
		return
	}
	p.err = p.enc.Encode(doc)
}

func (p *printer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.err != nil {
		return p.err
	}
	return p.enc.Close()
}
