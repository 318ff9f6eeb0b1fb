package console

import (
	"bufio"
	"context"
	"io"
)

// RunLines feeds r to the shell line by line until EOF, quit, or ctx ends.
func RunLines(ctx context.Context, r io.Reader, shell *Shell) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if shell.Execute(ctx, line) {
				return nil
			}
		}
	}
}
