package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ixnay.dev/go/ixnay/internal/client"
)

var productCmd = &cobra.Command{
	Use:   "product",
	Short: "Manage your store's products",
	Long: `Products live in your public namespace under store/products and
replicate to everyone you link with.

Examples:
  ixnay product add --name Lamp --price 12.50
  ixnay product list
  ixnay product list --pub <key>
  ixnay product show <id>
  ixnay product delete <id>`,
}

var productAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Publish a product",
	RunE:  runProductAdd,
}

var productListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a store's products",
	RunE:  runProductList,
}

var productShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a product",
	Args:  cobra.ExactArgs(1),
	RunE:  runProductShow,
}

var productDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a product",
	Args:  cobra.ExactArgs(1),
	RunE:  runProductDelete,
}

var cartCmd = &cobra.Command{
	Use:   "cart",
	Short: "Show the cart",
	Long: `The cart is kept on this device only.

Examples:
  ixnay cart
  ixnay cart add <store-key> <product-id>`,
	RunE: runCart,
}

var cartAddCmd = &cobra.Command{
	Use:   "add <store-key> <product-id>",
	Short: "Add a product to the cart",
	Args:  cobra.ExactArgs(2),
	RunE:  runCartAdd,
}

func init() {
	rootCmd.AddCommand(productCmd, cartCmd)
	productCmd.AddCommand(productAddCmd, productListCmd, productShowCmd, productDeleteCmd)
	cartCmd.AddCommand(cartAddCmd)

	f := productAddCmd.Flags()
	f.String("name", "", "product name (required)")
	f.String("description", "", "description")
	f.Float64("price", 0, "price")
	f.String("location", "", "where the product is")
	f.String("sub", "", "subcategory")
	f.String("model", "", "model")
	productAddCmd.MarkFlagRequired("name")

	for _, cmd := range []*cobra.Command{productListCmd, productShowCmd} {
		cmd.Flags().String("pub", "", "another user's store key")
	}
}

func runProductAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	var p client.Product
	p.Name, _ = f.GetString("name")
	p.Description, _ = f.GetString("description")
	p.Price, _ = f.GetFloat64("price")
	p.Location, _ = f.GetString("location")
	p.Sub, _ = f.GetString("sub")
	p.Model, _ = f.GetString("model")

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.AddProduct(p)
	if err != nil {
		return explain(err)
	}
	fmt.Println(id)
	return nil
}

func runProductList(cmd *cobra.Command, args []string) error {
	pub, _ := cmd.Flags().GetString("pub")
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	list, err := c.Products(pub)
	if err != nil {
		return explain(err)
	}
	if len(list) == 0 {
		fmt.Println(dimStyle.Render("No products."))
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPRICE\tLOCATION")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", p.ID, p.Name, p.Price, p.Location)
	}
	return w.Flush()
}

func runProductShow(cmd *cobra.Command, args []string) error {
	pub, _ := cmd.Flags().GetString("pub")
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := c.Product(pub, args[0])
	if client.HasCode(err, client.CodeNotFound) {
		return fmt.Errorf("no product %s", args[0])
	}
	if err != nil {
		return explain(err)
	}
	fmt.Printf("ID:          %s\n", p.ID)
	fmt.Printf("Name:        %s\n", p.Name)
	fmt.Printf("Price:       %.2f\n", p.Price)
	for _, kv := range [][2]string{
		{"Description", p.Description}, {"Location", p.Location}, {"Sub", p.Sub}, {"Model", p.Model},
	} {
		if kv[1] != "" {
			fmt.Printf("%-12s %s\n", kv[0]+":", kv[1])
		}
	}
	return nil
}

func runProductDelete(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.DeleteProduct(args[0]); err != nil {
		if client.HasCode(err, client.CodeNotFound) {
			return fmt.Errorf("no product %s", args[0])
		}
		return explain(err)
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runCart(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	cart, err := c.Cart()
	if err != nil {
		return explain(err)
	}
	if len(cart) == 0 {
		fmt.Println(dimStyle.Render("Cart is empty."))
		return nil
	}
	for store, items := range cart {
		fmt.Printf("Store %s\n", store)
		for id, n := range items {
			fmt.Printf("  %-28s x%d\n", id, n)
		}
	}
	return nil
}

func runCartAdd(cmd *cobra.Command, args []string) error {
	if args[0] == "" || args[1] == "" {
		return errors.New("store key and product id are required")
	}
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.AddToCart(args[0], args[1])
	if err != nil {
		return explain(err)
	}
	fmt.Printf("%s x%d\n", args[1], n)
	return nil
}
