package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"meshgate/flash"
	"meshgate/protocol"
)

func flashCmd() *cobra.Command {
	var (
		chunkSize int64
		verify    bool
		firmware  string
	)
	cmd := &cobra.Command{
		Use:   "flash <image>",
		Short: "Flash a firmware image to the gateway or a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			return withClient(func(c *client) error {
				return runFlash(c, img, chunkSize, verify, firmware)
			})
		},
	}
	cmd.Flags().StringVar(&flagNode, "node", "", "flash a node by serial instead of the gateway")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 1024, "bytes per update chunk")
	cmd.Flags().BoolVar(&verify, "verify", false, "read back the staged image before finalize (gateway target only)")
	cmd.Flags().StringVar(&firmware, "fw-version", "", "firmware version label for the image")
	return cmd
}

func runFlash(c *client, img []byte, chunkSize int64, verify bool, fwVersion string) error {
	begin := &protocol.UpdateBegin{
		Target:   protocol.TargetSelf,
		Length:   int64(len(img)),
		Firmware: fwVersion,
	}
	if flagNode != "" {
		begin.Target = protocol.TargetNode
		begin.Serial = flagNode
	}

	gw := protocol.Address{Role: protocol.RoleGateway}
	if _, err := c.request(protocol.TypeUpdateBegin, gw, begin, flagTimeout); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	fmt.Printf("staging %d bytes\n", len(img))

	for off := int64(0); off < int64(len(img)); off += chunkSize {
		end := off + chunkSize
		if end > int64(len(img)) {
			end = int64(len(img))
		}
		data := img[off:end]
		chunk := &protocol.UpdateChunk{Offset: off, Data: data, CRC: protocol.ChunkCRC(data)}
		if _, err := c.request(protocol.TypeUpdateChunk, gw, chunk, flagTimeout); err != nil {
			return fmt.Errorf("chunk at %d: %w", off, err)
		}
		fmt.Printf("\r%d/%d", end, len(img))
	}
	fmt.Println()

	if verify && flagNode == "" {
		if err := verifyStaged(c, img); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Println("read-back verified")
	}

	fin := &protocol.UpdateFinalize{Digest: flash.ImageDigest(img)}
	if _, err := c.request(protocol.TypeUpdateFinalize, gw, fin, flagTimeout); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	// Node sessions stay open until the node reboots and reports in.
	if flagNode != "" {
		fmt.Println("activated, waiting for boot confirmation")
		return waitCommitted(c)
	}
	fmt.Println("committed")
	return nil
}

// verifyStaged reads the staged image back region by region and compares it
// byte for byte before committing to it.
func verifyStaged(c *client, img []byte) error {
	gw := protocol.Address{Role: protocol.RoleGateway}

	for off := int64(0); off < int64(len(img)); off += flash.ReadChunkLimit {
		length := int64(flash.ReadChunkLimit)
		if off+length > int64(len(img)) {
			length = int64(len(img)) - off
		}
		reply, err := c.request(protocol.TypeFlashRead, gw,
			&protocol.FlashRead{Region: flash.RegionStaging, Offset: off, Length: length}, flagTimeout)
		if err != nil {
			return err
		}
		var fd protocol.FlashData
		if err := reply.DecodePayload(&fd); err != nil {
			return err
		}
		if !bytes.Equal(fd.Data, img[off:off+length]) {
			return fmt.Errorf("mismatch at offset %d", off)
		}
	}
	return nil
}

func waitCommitted(c *client) error {
	gw := protocol.Address{Role: protocol.RoleGateway}
	for {
		reply, err := c.request(protocol.TypeUpdateStatus, gw, &protocol.UpdateStatusQuery{}, flagTimeout)
		if err != nil {
			return err
		}
		var rep protocol.UpdateReport
		if err := reply.DecodePayload(&rep); err != nil {
			return err
		}
		switch rep.State {
		case "committed":
			fmt.Println("committed")
			return nil
		case "aborted":
			return fmt.Errorf("update aborted: %s", rep.Reason)
		}
		time.Sleep(time.Second)
	}
}
