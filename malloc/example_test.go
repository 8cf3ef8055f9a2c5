/*
 * Copyright 2024 CloudWeGo Authors
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

package malloc

import (
	"fmt"

	"github.com/pagealloc/segheap/internal/segprovider"
)

func Example() {
	p, _ := segprovider.NewFixedArenaProvider(4096, 1<<20)
	a := New(p, FitFirst)
	if err := a.Init(); err != nil {
		fmt.Println("init failed:", err)
		return
	}

	b := a.Malloc(100)
	fmt.Printf("usable size for a 100-byte request: %d\n", a.UsableSize(b))

	a.Free(b)
	blocks := a.Walk()
	fmt.Printf("blocks after free: %d\n", len(blocks))

	// Output:
	// usable size for a 100-byte request: 100
	// blocks after free: 1
}
